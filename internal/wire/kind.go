package wire

import (
	"fmt"
	"strings"
)

// Kind tags the payload carried by an envelope.
type Kind uint32

const (
	KindNone Kind = iota
	KindHttpRequest
	KindHttpResponse
	KindFetchHttpResponse
	KindStreamChunk
	KindDnsRequest
	KindDnsResponse
	KindAddEventListener
	KindCacheGet
	KindCacheGetReady
	KindCacheSet
	KindCacheDel
	KindCacheExpire
	KindCacheSetMeta
	KindCacheSetTags
	KindCachePurgeTag
	KindCachePurgeTagReady
	KindDataPut
	KindDataGet
	KindDataGetReady
	KindDataDel
	KindDataIncr
	KindDataDropCollection
	KindCryptoDigest
	KindCryptoDigestReady
	KindCryptoRandomValues
	KindCryptoRandomValuesReady
	KindLoadModule
	KindLoadModuleResp
	KindSourceMap
	KindSourceMapReady
	KindOsExit

	kindCount
)

var kindNames = [...]string{
	KindNone:                    "None",
	KindHttpRequest:             "HttpRequest",
	KindHttpResponse:            "HttpResponse",
	KindFetchHttpResponse:       "FetchHttpResponse",
	KindStreamChunk:             "StreamChunk",
	KindDnsRequest:              "DnsRequest",
	KindDnsResponse:             "DnsResponse",
	KindAddEventListener:        "AddEventListener",
	KindCacheGet:                "CacheGet",
	KindCacheGetReady:           "CacheGetReady",
	KindCacheSet:                "CacheSet",
	KindCacheDel:                "CacheDel",
	KindCacheExpire:             "CacheExpire",
	KindCacheSetMeta:            "CacheSetMeta",
	KindCacheSetTags:            "CacheSetTags",
	KindCachePurgeTag:           "CachePurgeTag",
	KindCachePurgeTagReady:      "CachePurgeTagReady",
	KindDataPut:                 "DataPut",
	KindDataGet:                 "DataGet",
	KindDataGetReady:            "DataGetReady",
	KindDataDel:                 "DataDel",
	KindDataIncr:                "DataIncr",
	KindDataDropCollection:      "DataDropCollection",
	KindCryptoDigest:            "CryptoDigest",
	KindCryptoDigestReady:       "CryptoDigestReady",
	KindCryptoRandomValues:      "CryptoRandomValues",
	KindCryptoRandomValuesReady: "CryptoRandomValuesReady",
	KindLoadModule:              "LoadModule",
	KindLoadModuleResp:          "LoadModuleResp",
	KindSourceMap:               "SourceMap",
	KindSourceMapReady:          "SourceMapReady",
	KindOsExit:                  "OsExit",
}

// String returns the kind name
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k < kindCount
}

// ErrorKind classifies a failure reported by the host.
type ErrorKind uint32

const (
	NoError ErrorKind = iota
	ErrNotFound
	ErrOther
	ErrInterrupted
	ErrPermissionDenied
	ErrInvalidInput
	ErrTimedOut
	ErrUnsupported
)

// String returns the error kind name
func (e ErrorKind) String() string {
	switch e {
	case NoError:
		return "NoError"
	case ErrNotFound:
		return "NotFound"
	case ErrOther:
		return "Other"
	case ErrInterrupted:
		return "Interrupted"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrTimedOut:
		return "TimedOut"
	case ErrUnsupported:
		return "Unsupported"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint32(e))
	}
}

// EventType names an inbound event a script can listen for.
type EventType uint32

const (
	EventFetch EventType = iota
	EventResolv
)

func (e EventType) String() string {
	switch e {
	case EventFetch:
		return "fetch"
	case EventResolv:
		return "resolve"
	default:
		return fmt.Sprintf("EventType(%d)", uint32(e))
	}
}

// HttpMethod is the request method as carried on the wire.
type HttpMethod uint32

const (
	MethodGet HttpMethod = iota
	MethodHead
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
)

var methodNames = [...]string{
	MethodGet:     "GET",
	MethodHead:    "HEAD",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodPatch:   "PATCH",
	MethodDelete:  "DELETE",
	MethodConnect: "CONNECT",
	MethodOptions: "OPTIONS",
	MethodTrace:   "TRACE",
}

func (m HttpMethod) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "GET"
}

// ParseMethod maps a method name to its wire value; unknown names are rejected.
func ParseMethod(name string) (HttpMethod, error) {
	for i, n := range methodNames {
		if strings.EqualFold(n, name) {
			return HttpMethod(i), nil
		}
	}
	return MethodGet, fmt.Errorf("unsupported http method %q", name)
}
