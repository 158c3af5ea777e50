package wire

import "google.golang.org/protobuf/encoding/protowire"

// CommandID correlates a command with its reply. Zero marks host events and
// isolate posts that expect no reply.
type CommandID uint32

// ChannelID names a chunked body stream. It is allocated independently of
// command ids so bodies from several subsystems can share the connection.
type ChannelID uint32

// Message is a typed payload. The set is closed: only this package can add
// kinds, and Decode switches over all of them.
type Message interface {
	Kind() Kind
	fieldWriter
	fieldReader
}

// BodyCarrier is implemented by payloads that can announce a streamed body.
type BodyCarrier interface {
	BodyChannel() (ChannelID, bool)
}

type HttpHeader struct {
	Key   string
	Value string
}

func (h *HttpHeader) writeFields(e *encoder) {
	e.string(1, h.Key)
	e.string(2, h.Value)
}

func (h *HttpHeader) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			h.Key = r.string()
		case 2:
			h.Value = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

func writeHeaders(e *encoder, num protowire.Number, hs []HttpHeader) {
	for i := range hs {
		e.message(num, &hs[i])
	}
}

func readHeader(r *reader, hs *[]HttpHeader) {
	var h HttpHeader
	r.message(&h)
	*hs = append(*hs, h)
}

// HttpRequest is both the inbound fetch event and the outbound fetch command.
type HttpRequest struct {
	ID         ChannelID
	Method     HttpMethod
	URL        string
	Headers    []HttpHeader
	HasBody    bool
	RemoteAddr string
}

func (*HttpRequest) Kind() Kind { return KindHttpRequest }

func (m *HttpRequest) BodyChannel() (ChannelID, bool) { return m.ID, m.HasBody }

func (m *HttpRequest) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.uint(2, uint64(m.Method))
	e.string(3, m.URL)
	writeHeaders(e, 4, m.Headers)
	e.bool(5, m.HasBody)
	e.string(6, m.RemoteAddr)
}

func (m *HttpRequest) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Method = HttpMethod(r.uint32())
		case 3:
			m.URL = r.string()
		case 4:
			readHeader(r, &m.Headers)
		case 5:
			m.HasBody = r.bool()
		case 6:
			m.RemoteAddr = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

// HttpResponse answers a fetch event. A Static response carries its whole
// body in the raw side channel; otherwise the body follows as chunks on ID.
type HttpResponse struct {
	ID      ChannelID
	Status  uint32
	Headers []HttpHeader
	HasBody bool
	Static  bool
}

func (*HttpResponse) Kind() Kind { return KindHttpResponse }

func (m *HttpResponse) BodyChannel() (ChannelID, bool) { return m.ID, m.HasBody && !m.Static }

func (m *HttpResponse) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.uint(2, uint64(m.Status))
	writeHeaders(e, 3, m.Headers)
	e.bool(4, m.HasBody)
	e.bool(5, m.Static)
}

func (m *HttpResponse) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Status = r.uint32()
		case 3:
			readHeader(r, &m.Headers)
		case 4:
			m.HasBody = r.bool()
		case 5:
			m.Static = r.bool()
		default:
			r.skip()
		}
	}
	return r.err
}

// FetchHttpResponse is the host's reply to an outbound HttpRequest.
type FetchHttpResponse struct {
	ID      ChannelID
	Status  uint32
	Headers []HttpHeader
	HasBody bool
}

func (*FetchHttpResponse) Kind() Kind { return KindFetchHttpResponse }

func (m *FetchHttpResponse) BodyChannel() (ChannelID, bool) { return m.ID, m.HasBody }

func (m *FetchHttpResponse) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.uint(2, uint64(m.Status))
	writeHeaders(e, 3, m.Headers)
	e.bool(4, m.HasBody)
}

func (m *FetchHttpResponse) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Status = r.uint32()
		case 3:
			readHeader(r, &m.Headers)
		case 4:
			m.HasBody = r.bool()
		default:
			r.skip()
		}
	}
	return r.err
}

// StreamChunk carries one piece of a body; the bytes travel as raw.
type StreamChunk struct {
	ID   ChannelID
	Done bool
}

func (*StreamChunk) Kind() Kind { return KindStreamChunk }

func (m *StreamChunk) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.bool(2, m.Done)
}

func (m *StreamChunk) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Done = r.bool()
		default:
			r.skip()
		}
	}
	return r.err
}

type AddEventListener struct {
	Event EventType
}

func (*AddEventListener) Kind() Kind { return KindAddEventListener }

func (m *AddEventListener) writeFields(e *encoder) {
	e.uint(1, uint64(m.Event))
}

func (m *AddEventListener) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Event = EventType(r.uint32())
		default:
			r.skip()
		}
	}
	return r.err
}

type CacheGet struct {
	Key string
}

func (*CacheGet) Kind() Kind { return KindCacheGet }

func (m *CacheGet) writeFields(e *encoder) { e.string(1, m.Key) }

func (m *CacheGet) readFields(b []byte) error {
	return readKey(b, &m.Key)
}

// CacheGetReady reports a hit by setting Stream; the value follows on ID.
type CacheGetReady struct {
	ID     ChannelID
	Stream bool
	Meta   string
}

func (*CacheGetReady) Kind() Kind { return KindCacheGetReady }

func (m *CacheGetReady) BodyChannel() (ChannelID, bool) { return m.ID, m.Stream }

func (m *CacheGetReady) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.bool(2, m.Stream)
	e.string(3, m.Meta)
}

func (m *CacheGetReady) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Stream = r.bool()
		case 3:
			m.Meta = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

// CacheSet stores the value streamed on ID under Key.
type CacheSet struct {
	ID          ChannelID
	Key         string
	TTL         uint32
	Tags        []string
	Meta        string
	OnlyIfEmpty bool
}

func (*CacheSet) Kind() Kind { return KindCacheSet }

func (m *CacheSet) BodyChannel() (ChannelID, bool) { return m.ID, true }

func (m *CacheSet) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.string(2, m.Key)
	e.uint(3, uint64(m.TTL))
	e.strings(4, m.Tags)
	e.string(5, m.Meta)
	e.bool(6, m.OnlyIfEmpty)
}

func (m *CacheSet) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = ChannelID(r.uint32())
		case 2:
			m.Key = r.string()
		case 3:
			m.TTL = r.uint32()
		case 4:
			m.Tags = append(m.Tags, r.string())
		case 5:
			m.Meta = r.string()
		case 6:
			m.OnlyIfEmpty = r.bool()
		default:
			r.skip()
		}
	}
	return r.err
}

type CacheDel struct {
	Key string
}

func (*CacheDel) Kind() Kind { return KindCacheDel }

func (m *CacheDel) writeFields(e *encoder) { e.string(1, m.Key) }

func (m *CacheDel) readFields(b []byte) error { return readKey(b, &m.Key) }

type CacheExpire struct {
	Key string
	TTL uint32
}

func (*CacheExpire) Kind() Kind { return KindCacheExpire }

func (m *CacheExpire) writeFields(e *encoder) {
	e.string(1, m.Key)
	e.uint(2, uint64(m.TTL))
}

func (m *CacheExpire) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Key = r.string()
		case 2:
			m.TTL = r.uint32()
		default:
			r.skip()
		}
	}
	return r.err
}

type CacheSetMeta struct {
	Key  string
	Meta string
}

func (*CacheSetMeta) Kind() Kind { return KindCacheSetMeta }

func (m *CacheSetMeta) writeFields(e *encoder) {
	e.string(1, m.Key)
	e.string(2, m.Meta)
}

func (m *CacheSetMeta) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Key = r.string()
		case 2:
			m.Meta = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

type CacheSetTags struct {
	Key  string
	Tags []string
}

func (*CacheSetTags) Kind() Kind { return KindCacheSetTags }

func (m *CacheSetTags) writeFields(e *encoder) {
	e.string(1, m.Key)
	e.strings(2, m.Tags)
}

func (m *CacheSetTags) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Key = r.string()
		case 2:
			m.Tags = append(m.Tags, r.string())
		default:
			r.skip()
		}
	}
	return r.err
}

type CachePurgeTag struct {
	Tag string
}

func (*CachePurgeTag) Kind() Kind { return KindCachePurgeTag }

func (m *CachePurgeTag) writeFields(e *encoder) { e.string(1, m.Tag) }

func (m *CachePurgeTag) readFields(b []byte) error { return readKey(b, &m.Tag) }

type CachePurgeTagReady struct {
	Keys []string
}

func (*CachePurgeTagReady) Kind() Kind { return KindCachePurgeTagReady }

func (m *CachePurgeTagReady) writeFields(e *encoder) { e.strings(1, m.Keys) }

func (m *CachePurgeTagReady) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Keys = append(m.Keys, r.string())
		default:
			r.skip()
		}
	}
	return r.err
}

// DataPut stores a JSON document.
type DataPut struct {
	Collection string
	Key        string
	JSON       string
}

func (*DataPut) Kind() Kind { return KindDataPut }

func (m *DataPut) writeFields(e *encoder) {
	e.string(1, m.Collection)
	e.string(2, m.Key)
	e.string(3, m.JSON)
}

func (m *DataPut) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Collection = r.string()
		case 2:
			m.Key = r.string()
		case 3:
			m.JSON = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

type DataGet struct {
	Collection string
	Key        string
}

func (*DataGet) Kind() Kind { return KindDataGet }

func (m *DataGet) writeFields(e *encoder) {
	e.string(1, m.Collection)
	e.string(2, m.Key)
}

func (m *DataGet) readFields(b []byte) error {
	return readCollectionKey(b, &m.Collection, &m.Key)
}

type DataGetReady struct {
	JSON string
}

func (*DataGetReady) Kind() Kind { return KindDataGetReady }

func (m *DataGetReady) writeFields(e *encoder) { e.string(1, m.JSON) }

func (m *DataGetReady) readFields(b []byte) error { return readKey(b, &m.JSON) }

type DataDel struct {
	Collection string
	Key        string
}

func (*DataDel) Kind() Kind { return KindDataDel }

func (m *DataDel) writeFields(e *encoder) {
	e.string(1, m.Collection)
	e.string(2, m.Key)
}

func (m *DataDel) readFields(b []byte) error {
	return readCollectionKey(b, &m.Collection, &m.Key)
}

// DataIncr adds Amount to a numeric field of a stored document.
type DataIncr struct {
	Collection string
	Key        string
	Field      string
	Amount     int64
}

func (*DataIncr) Kind() Kind { return KindDataIncr }

func (m *DataIncr) writeFields(e *encoder) {
	e.string(1, m.Collection)
	e.string(2, m.Key)
	e.string(3, m.Field)
	e.sint(4, m.Amount)
}

func (m *DataIncr) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Collection = r.string()
		case 2:
			m.Key = r.string()
		case 3:
			m.Field = r.string()
		case 4:
			m.Amount = r.sint()
		default:
			r.skip()
		}
	}
	return r.err
}

type DataDropCollection struct {
	Collection string
}

func (*DataDropCollection) Kind() Kind { return KindDataDropCollection }

func (m *DataDropCollection) writeFields(e *encoder) { e.string(1, m.Collection) }

func (m *DataDropCollection) readFields(b []byte) error { return readKey(b, &m.Collection) }

// CryptoDigest hashes the raw side channel with Algo.
type CryptoDigest struct {
	Algo string
}

func (*CryptoDigest) Kind() Kind { return KindCryptoDigest }

func (m *CryptoDigest) writeFields(e *encoder) { e.string(1, m.Algo) }

func (m *CryptoDigest) readFields(b []byte) error { return readKey(b, &m.Algo) }

type CryptoDigestReady struct {
	Buffer []byte
}

func (*CryptoDigestReady) Kind() Kind { return KindCryptoDigestReady }

func (m *CryptoDigestReady) writeFields(e *encoder) { e.bytes(1, m.Buffer) }

func (m *CryptoDigestReady) readFields(b []byte) error { return readBuffer(b, &m.Buffer) }

type CryptoRandomValues struct {
	Len uint32
}

func (*CryptoRandomValues) Kind() Kind { return KindCryptoRandomValues }

func (m *CryptoRandomValues) writeFields(e *encoder) { e.uint(1, uint64(m.Len)) }

func (m *CryptoRandomValues) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Len = r.uint32()
		default:
			r.skip()
		}
	}
	return r.err
}

type CryptoRandomValuesReady struct {
	Buffer []byte
}

func (*CryptoRandomValuesReady) Kind() Kind { return KindCryptoRandomValuesReady }

func (m *CryptoRandomValuesReady) writeFields(e *encoder) { e.bytes(1, m.Buffer) }

func (m *CryptoRandomValuesReady) readFields(b []byte) error { return readBuffer(b, &m.Buffer) }

// LoadModule asks the host to resolve and fetch module source.
type LoadModule struct {
	SpecifierURL     string
	RefererOriginURL string
}

func (*LoadModule) Kind() Kind { return KindLoadModule }

func (m *LoadModule) writeFields(e *encoder) {
	e.string(1, m.SpecifierURL)
	e.string(2, m.RefererOriginURL)
}

func (m *LoadModule) readFields(b []byte) error {
	return readCollectionKey(b, &m.SpecifierURL, &m.RefererOriginURL)
}

type LoadModuleResp struct {
	OriginURL  string
	SourceCode string
	SourceMap  string
}

func (*LoadModuleResp) Kind() Kind { return KindLoadModuleResp }

func (m *LoadModuleResp) writeFields(e *encoder) {
	e.string(1, m.OriginURL)
	e.string(2, m.SourceCode)
	e.string(3, m.SourceMap)
}

func (m *LoadModuleResp) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.OriginURL = r.string()
		case 2:
			m.SourceCode = r.string()
		case 3:
			m.SourceMap = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

// StackFrame is one position in a script stack trace.
type StackFrame struct {
	Filename string
	Name     string
	Line     uint32
	Col      uint32
}

func (f *StackFrame) writeFields(e *encoder) {
	e.string(1, f.Filename)
	e.string(2, f.Name)
	e.uint(3, uint64(f.Line))
	e.uint(4, uint64(f.Col))
}

func (f *StackFrame) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			f.Filename = r.string()
		case 2:
			f.Name = r.string()
		case 3:
			f.Line = r.uint32()
		case 4:
			f.Col = r.uint32()
		default:
			r.skip()
		}
	}
	return r.err
}

type SourceMap struct {
	Frames []StackFrame
}

func (*SourceMap) Kind() Kind { return KindSourceMap }

func (m *SourceMap) writeFields(e *encoder) { writeFrames(e, m.Frames) }

func (m *SourceMap) readFields(b []byte) error { return readFrames(b, &m.Frames) }

type SourceMapReady struct {
	Frames []StackFrame
}

func (*SourceMapReady) Kind() Kind { return KindSourceMapReady }

func (m *SourceMapReady) writeFields(e *encoder) { writeFrames(e, m.Frames) }

func (m *SourceMapReady) readFields(b []byte) error { return readFrames(b, &m.Frames) }

type OsExit struct {
	Code int32
}

func (*OsExit) Kind() Kind { return KindOsExit }

func (m *OsExit) writeFields(e *encoder) { e.sint(1, int64(m.Code)) }

func (m *OsExit) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.Code = int32(r.sint())
		default:
			r.skip()
		}
	}
	return r.err
}

func readKey(b []byte, key *string) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			*key = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

func readCollectionKey(b []byte, first, second *string) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			*first = r.string()
		case 2:
			*second = r.string()
		default:
			r.skip()
		}
	}
	return r.err
}

func readBuffer(b []byte, buf *[]byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			*buf = r.bytes()
		default:
			r.skip()
		}
	}
	return r.err
}

func writeFrames(e *encoder, frames []StackFrame) {
	for i := range frames {
		e.message(1, &frames[i])
	}
}

func readFrames(b []byte, frames *[]StackFrame) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			var f StackFrame
			r.message(&f)
			*frames = append(*frames, f)
		default:
			r.skip()
		}
	}
	return r.err
}
