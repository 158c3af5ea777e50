// Package module resolves, compiles and instantiates isolate modules.
//
// Modules are evaluated in an AMD calling convention: compiled code calls
// define(deps, factory), the define hook resolves and instantiates the
// dependencies, and the run queue then calls each factory once, in the order
// modules finished defining. A Gathering flag on each record lets mutually
// importing modules complete: a dependency that is still building its own
// dependency list is handed out as-is instead of being instantiated again.
package module

import (
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/gabriel-vasile/mimetype"
)

// MediaType classifies module source.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaJavaScript
	MediaTypeScript
	MediaDeclaration
	MediaJSON
)

func (m MediaType) String() string {
	switch m {
	case MediaJavaScript:
		return "JavaScript"
	case MediaTypeScript:
		return "TypeScript"
	case MediaDeclaration:
		return "Declaration"
	case MediaJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// MediaTypeOf derives the media type from an origin URL's extension. For
// unknown extensions the source is sniffed.
func MediaTypeOf(originURL, source string) MediaType {
	p := originURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.HasSuffix(p, ".d.ts") {
		return MediaDeclaration
	}
	switch path.Ext(p) {
	case ".ts", ".tsx", ".mts":
		return MediaTypeScript
	case ".js", ".mjs", ".cjs", ".jsx":
		return MediaJavaScript
	case ".json":
		return MediaJSON
	}

	if source == "" {
		return MediaUnknown
	}
	mt := mimetype.Detect([]byte(source))
	for ; mt != nil; mt = mt.Parent() {
		switch mt.String() {
		case "application/json":
			return MediaJSON
		case "text/javascript", "application/javascript":
			return MediaJavaScript
		}
	}
	return MediaUnknown
}

// Record is one module: its source, compiled output and run state. Records
// are owned by a Cache and mutated only on the isolate's loop goroutine.
type Record struct {
	OriginURL string
	Version   int
	MediaType MediaType
	Source    string
	SourceMap string

	// Compiled is the emitted script, empty until compiled.
	Compiled string
	// Deps lists the resolved origin URLs (or pseudo-dependencies) from
	// define. Nil until the module has defined itself.
	Deps    []string
	HasRun  bool
	Exports *goja.Object

	factory   goja.Value
	gathering bool
	running   bool
	program   *goja.Program
}

func newRecord(src *Source) *Record {
	return &Record{
		OriginURL: src.OriginURL,
		Version:   1,
		MediaType: MediaTypeOf(src.OriginURL, src.Code),
		Source:    src.Code,
		SourceMap: src.SourceMap,
	}
}

// Gathering reports whether the module is building its dependency list.
func (r *Record) Gathering() bool {
	return r.gathering
}

// Defined reports whether define has been called for the current version.
func (r *Record) Defined() bool {
	return r.Deps != nil
}

// reload returns the record to its unresolved state under a new version.
func (r *Record) reload() {
	r.Version++
	r.Compiled = ""
	r.Deps = nil
	r.HasRun = false
	r.Exports = nil
	r.factory = nil
	r.gathering = false
	r.running = false
	r.program = nil
}

// undefine drops a partial definition so the next run evaluates the module
// again.
func (r *Record) undefine() {
	r.Deps = nil
	r.factory = nil
	r.gathering = false
	r.running = false
}
