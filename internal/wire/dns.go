package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DnsRecordType is a resource record type.
type DnsRecordType uint32

const (
	DnsA DnsRecordType = iota
	DnsAAAA
	DnsAXFR
	DnsCAA
	DnsCNAME
	DnsIXFR
	DnsMX
	DnsNS
	DnsNULL
	DnsOPT
	DnsPTR
	DnsSOA
	DnsSRV
	DnsTLSA
	DnsTXT
	DnsANY
)

var dnsTypeNames = [...]string{
	DnsA:     "A",
	DnsAAAA:  "AAAA",
	DnsAXFR:  "AXFR",
	DnsCAA:   "CAA",
	DnsCNAME: "CNAME",
	DnsIXFR:  "IXFR",
	DnsMX:    "MX",
	DnsNS:    "NS",
	DnsNULL:  "NULL",
	DnsOPT:   "OPT",
	DnsPTR:   "PTR",
	DnsSOA:   "SOA",
	DnsSRV:   "SRV",
	DnsTLSA:  "TLSA",
	DnsTXT:   "TXT",
	DnsANY:   "ANY",
}

func (t DnsRecordType) String() string {
	if int(t) < len(dnsTypeNames) {
		return dnsTypeNames[t]
	}
	return fmt.Sprintf("DnsRecordType(%d)", uint32(t))
}

// ParseDnsRecordType looks a record type up by its mnemonic.
func ParseDnsRecordType(name string) (DnsRecordType, bool) {
	for i, n := range dnsTypeNames {
		if n == name {
			return DnsRecordType(i), true
		}
	}
	return 0, false
}

// DnsClass is a resource record class.
type DnsClass uint32

const (
	DnsClassIN DnsClass = iota
	DnsClassCH
	DnsClassHS
	DnsClassNONE
	DnsClassANY
)

// DnsResponseCode is the RCODE of a response.
type DnsResponseCode uint32

const (
	DnsNoError DnsResponseCode = iota
	DnsFormErr
	DnsServFail
	DnsNXDomain
	DnsNotImp
	DnsRefused
)

func (c DnsResponseCode) String() string {
	switch c {
	case DnsNoError:
		return "NoError"
	case DnsFormErr:
		return "FormErr"
	case DnsServFail:
		return "ServFail"
	case DnsNXDomain:
		return "NXDomain"
	case DnsNotImp:
		return "NotImp"
	case DnsRefused:
		return "Refused"
	default:
		return fmt.Sprintf("DnsResponseCode(%d)", uint32(c))
	}
}

// DnsOpCode is the OPCODE of a message.
type DnsOpCode uint32

const (
	DnsOpQuery DnsOpCode = iota
	DnsOpStatus
	DnsOpNotify
	DnsOpUpdate
)

// DnsMessageType distinguishes queries from responses.
type DnsMessageType uint32

const (
	DnsMessageQuery DnsMessageType = iota
	DnsMessageResponse
)

// DnsQuery is one question of a DNS request.
type DnsQuery struct {
	Name  string
	Type  DnsRecordType
	Class DnsClass
}

func (q *DnsQuery) writeFields(e *encoder) {
	e.string(1, q.Name)
	e.uint(2, uint64(q.Type))
	e.uint(3, uint64(q.Class))
}

func (q *DnsQuery) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			q.Name = r.string()
		case 2:
			q.Type = DnsRecordType(r.uint32())
		case 3:
			q.Class = DnsClass(r.uint32())
		default:
			r.skip()
		}
	}
	return r.err
}

// DnsRdata holds record data; which fields are meaningful depends on the
// owning record's type.
type DnsRdata struct {
	IP         string
	Name       string
	Preference uint32
	Exchange   string
	Priority   uint32
	Weight     uint32
	Port       uint32
	Target     string
	MName      string
	RName      string
	Serial     uint32
	Refresh    int64
	Retry      int64
	Expire     int64
	Minimum    uint32
	Text       [][]byte
}

func (d *DnsRdata) writeFields(e *encoder) {
	e.string(1, d.IP)
	e.string(2, d.Name)
	e.uint(3, uint64(d.Preference))
	e.string(4, d.Exchange)
	e.uint(5, uint64(d.Priority))
	e.uint(6, uint64(d.Weight))
	e.uint(7, uint64(d.Port))
	e.string(8, d.Target)
	e.string(9, d.MName)
	e.string(10, d.RName)
	e.uint(11, uint64(d.Serial))
	e.sint(12, d.Refresh)
	e.sint(13, d.Retry)
	e.sint(14, d.Expire)
	e.uint(15, uint64(d.Minimum))
	for _, t := range d.Text {
		e.b = protowire.AppendTag(e.b, 16, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, t)
	}
}

func (d *DnsRdata) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			d.IP = r.string()
		case 2:
			d.Name = r.string()
		case 3:
			d.Preference = r.uint32()
		case 4:
			d.Exchange = r.string()
		case 5:
			d.Priority = r.uint32()
		case 6:
			d.Weight = r.uint32()
		case 7:
			d.Port = r.uint32()
		case 8:
			d.Target = r.string()
		case 9:
			d.MName = r.string()
		case 10:
			d.RName = r.string()
		case 11:
			d.Serial = r.uint32()
		case 12:
			d.Refresh = r.sint()
		case 13:
			d.Retry = r.sint()
		case 14:
			d.Expire = r.sint()
		case 15:
			d.Minimum = r.uint32()
		case 16:
			d.Text = append(d.Text, r.bytes())
		default:
			r.skip()
		}
	}
	return r.err
}

// DnsRecord is one resource record of a DNS response.
type DnsRecord struct {
	Name  string
	Type  DnsRecordType
	Class DnsClass
	TTL   uint32
	Data  DnsRdata
}

func (rec *DnsRecord) writeFields(e *encoder) {
	e.string(1, rec.Name)
	e.uint(2, uint64(rec.Type))
	e.uint(3, uint64(rec.Class))
	e.uint(4, uint64(rec.TTL))
	e.message(5, &rec.Data)
}

func (rec *DnsRecord) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			rec.Name = r.string()
		case 2:
			rec.Type = DnsRecordType(r.uint32())
		case 3:
			rec.Class = DnsClass(r.uint32())
		case 4:
			rec.TTL = r.uint32()
		case 5:
			r.message(&rec.Data)
		default:
			r.skip()
		}
	}
	return r.err
}

// DnsRequest is the inbound resolve event.
type DnsRequest struct {
	ID          uint32
	MessageType DnsMessageType
	Queries     []DnsQuery
}

func (*DnsRequest) Kind() Kind { return KindDnsRequest }

func (m *DnsRequest) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.uint(2, uint64(m.MessageType))
	for i := range m.Queries {
		e.message(3, &m.Queries[i])
	}
}

func (m *DnsRequest) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = r.uint32()
		case 2:
			m.MessageType = DnsMessageType(r.uint32())
		case 3:
			var q DnsQuery
			r.message(&q)
			m.Queries = append(m.Queries, q)
		default:
			r.skip()
		}
	}
	return r.err
}

// DnsResponse answers a DnsRequest with the same id.
type DnsResponse struct {
	ID            uint32
	OpCode        DnsOpCode
	MessageType   DnsMessageType
	ResponseCode  DnsResponseCode
	Authoritative bool
	Truncated     bool
	Answers       []DnsRecord
}

func (*DnsResponse) Kind() Kind { return KindDnsResponse }

func (m *DnsResponse) writeFields(e *encoder) {
	e.uint(1, uint64(m.ID))
	e.uint(2, uint64(m.OpCode))
	e.uint(3, uint64(m.MessageType))
	e.uint(4, uint64(m.ResponseCode))
	e.bool(5, m.Authoritative)
	e.bool(6, m.Truncated)
	for i := range m.Answers {
		e.message(7, &m.Answers[i])
	}
}

func (m *DnsResponse) readFields(b []byte) error {
	r := newReader(b)
	for r.next() {
		switch r.num {
		case 1:
			m.ID = r.uint32()
		case 2:
			m.OpCode = DnsOpCode(r.uint32())
		case 3:
			m.MessageType = DnsMessageType(r.uint32())
		case 4:
			m.ResponseCode = DnsResponseCode(r.uint32())
		case 5:
			m.Authoritative = r.bool()
		case 6:
			m.Truncated = r.bool()
		case 7:
			var rec DnsRecord
			r.message(&rec)
			m.Answers = append(m.Answers, rec)
		default:
			r.skip()
		}
	}
	return r.err
}
