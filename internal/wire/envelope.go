package wire

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyEnvelope = errors.New("empty envelope")
	ErrUnknownKind   = errors.New("unknown message kind")
)

// ProtocolError reports a frame that could not be decoded.
type ProtocolError struct {
	Kind Kind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Envelope wraps every message crossing the bridge.
type Envelope struct {
	CommandID    CommandID
	Sync         bool
	Kind         Kind
	ErrorKind    ErrorKind
	ErrorMessage string
	// Msg is nil when Kind is KindNone.
	Msg Message
}

// Failed reports whether the envelope carries a host error.
func (e *Envelope) Failed() bool {
	return e.ErrorKind != NoError
}

// Encode serialises an envelope. The kind is taken from Msg when set.
func Encode(env *Envelope) []byte {
	kind := env.Kind
	if env.Msg != nil {
		kind = env.Msg.Kind()
	}

	var e encoder
	e.uint(1, uint64(env.CommandID))
	e.bool(2, env.Sync)
	e.uint(3, uint64(kind))
	e.uint(4, uint64(env.ErrorKind))
	e.string(5, env.ErrorMessage)
	if env.Msg != nil {
		e.message(6, env.Msg)
	}
	return e.b
}

// Decode parses an envelope and its typed payload.
func Decode(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, &ProtocolError{Err: ErrEmptyEnvelope}
	}

	env := &Envelope{}
	var payload []byte
	hasPayload := false

	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			env.CommandID = CommandID(r.uint32())
		case 2:
			env.Sync = r.bool()
		case 3:
			env.Kind = Kind(r.uint32())
		case 4:
			env.ErrorKind = ErrorKind(r.uint32())
		case 5:
			env.ErrorMessage = r.string()
		case 6:
			payload = r.view()
			hasPayload = true
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, &ProtocolError{Kind: env.Kind, Err: r.err}
	}

	if env.Kind == KindNone {
		return env, nil
	}
	msg, err := newMessage(env.Kind)
	if err != nil {
		return nil, &ProtocolError{Kind: env.Kind, Err: err}
	}
	if hasPayload {
		if err := msg.readFields(payload); err != nil {
			return nil, &ProtocolError{Kind: env.Kind, Err: err}
		}
	}
	env.Msg = msg
	return env, nil
}

// Peek reads only the correlation fields of an encoded envelope.
func Peek(b []byte) (CommandID, bool, error) {
	var (
		id   CommandID
		sync bool
	)
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			id = CommandID(r.uint32())
		case 2:
			sync = r.bool()
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return 0, false, &ProtocolError{Err: r.err}
	}
	return id, sync, nil
}

// newMessage returns an empty payload for kind.
func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindHttpRequest:
		return &HttpRequest{}, nil
	case KindHttpResponse:
		return &HttpResponse{}, nil
	case KindFetchHttpResponse:
		return &FetchHttpResponse{}, nil
	case KindStreamChunk:
		return &StreamChunk{}, nil
	case KindDnsRequest:
		return &DnsRequest{}, nil
	case KindDnsResponse:
		return &DnsResponse{}, nil
	case KindAddEventListener:
		return &AddEventListener{}, nil
	case KindCacheGet:
		return &CacheGet{}, nil
	case KindCacheGetReady:
		return &CacheGetReady{}, nil
	case KindCacheSet:
		return &CacheSet{}, nil
	case KindCacheDel:
		return &CacheDel{}, nil
	case KindCacheExpire:
		return &CacheExpire{}, nil
	case KindCacheSetMeta:
		return &CacheSetMeta{}, nil
	case KindCacheSetTags:
		return &CacheSetTags{}, nil
	case KindCachePurgeTag:
		return &CachePurgeTag{}, nil
	case KindCachePurgeTagReady:
		return &CachePurgeTagReady{}, nil
	case KindDataPut:
		return &DataPut{}, nil
	case KindDataGet:
		return &DataGet{}, nil
	case KindDataGetReady:
		return &DataGetReady{}, nil
	case KindDataDel:
		return &DataDel{}, nil
	case KindDataIncr:
		return &DataIncr{}, nil
	case KindDataDropCollection:
		return &DataDropCollection{}, nil
	case KindCryptoDigest:
		return &CryptoDigest{}, nil
	case KindCryptoDigestReady:
		return &CryptoDigestReady{}, nil
	case KindCryptoRandomValues:
		return &CryptoRandomValues{}, nil
	case KindCryptoRandomValuesReady:
		return &CryptoRandomValuesReady{}, nil
	case KindLoadModule:
		return &LoadModule{}, nil
	case KindLoadModuleResp:
		return &LoadModuleResp{}, nil
	case KindSourceMap:
		return &SourceMap{}, nil
	case KindSourceMapReady:
		return &SourceMapReady{}, nil
	case KindOsExit:
		return &OsExit{}, nil
	case KindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(kind))
	}
}
