package module

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/evanw/esbuild/pkg/api"
)

// emptyModule is emitted for declaration files, which carry only types.
const emptyModule = `define([], function () {});`

// jsonModule wraps a JSON document as a module whose default export is the
// document; object documents also expose their keys directly.
func jsonModule(doc string) string {
	return `define(["exports"], function (exports) { var value = ` + strings.TrimSpace(doc) + `;
exports["default"] = value;
if (value !== null && typeof value === "object" && !Array.isArray(value)) { Object.assign(exports, value); }
});`
}

// syntaxDiagnostics parses src with the goja parser.
func syntaxDiagnostics(name, src string) []Diagnostic {
	_, err := parser.ParseFile(nil, name, src, 0)
	if err == nil {
		return nil
	}

	var list parser.ErrorList
	switch e := err.(type) {
	case parser.ErrorList:
		list = e
	case *parser.Error:
		list = parser.ErrorList{e}
	default:
		return []Diagnostic{{File: name, Message: err.Error()}}
	}

	diags := make([]Diagnostic, 0, len(list))
	lines := strings.Split(src, "\n")
	for _, pe := range list {
		d := Diagnostic{
			File:    name,
			Line:    pe.Position.Line,
			Column:  pe.Position.Column,
			Message: pe.Message,
		}
		if d.Line > 0 && d.Line <= len(lines) {
			d.LineText = lines[d.Line-1]
		}
		diags = append(diags, d)
	}
	return diags
}

// ScriptService accepts sources that are already in define form. It only
// checks syntax; JSON and declaration files are wrapped as modules.
type ScriptService struct{}

// NewScriptService returns a service for plain scripts.
func NewScriptService() *ScriptService {
	return &ScriptService{}
}

func (*ScriptService) Name() string { return "script" }

func (*ScriptService) OptionsDiagnostics() []Diagnostic { return nil }

func (s *ScriptService) SyntacticDiagnostics(rec *Record) []Diagnostic {
	switch rec.MediaType {
	case MediaDeclaration:
		return nil
	case MediaJSON:
		return syntaxDiagnostics(rec.OriginURL, "("+rec.Source+"\n)")
	default:
		return syntaxDiagnostics(rec.OriginURL, rec.Source)
	}
}

func (s *ScriptService) SemanticDiagnostics(rec *Record) []Diagnostic {
	if rec.MediaType == MediaTypeScript {
		return []Diagnostic{{
			File:    rec.OriginURL,
			Message: "TypeScript sources need the transpile compiler",
		}}
	}
	return nil
}

func (s *ScriptService) Emit(rec *Record) (EmitOutput, error) {
	text := rec.Source
	switch rec.MediaType {
	case MediaDeclaration:
		text = emptyModule
	case MediaJSON:
		text = jsonModule(rec.Source)
	}
	return EmitOutput{Files: []OutputFile{{Name: rec.OriginURL, Text: text}}}, nil
}

// Checker supplies semantic diagnostics, e.g. from an external type
// checker.
type Checker func(rec *Record) []Diagnostic

// TranspileService compiles TypeScript, JavaScript modules and JSON with
// esbuild into CommonJS, then wraps the result in a define call listing the
// module's static requires.
type TranspileService struct {
	target  api.Target
	checker Checker
	optErr  []Diagnostic

	mu      sync.Mutex
	results map[string]transformResult
}

type transformResult struct {
	version int
	source  string
	res     api.TransformResult
}

// NewTranspileService targets the named ECMAScript version, e.g. "es2017"
// or "esnext".
func NewTranspileService(target string, checker Checker) *TranspileService {
	s := &TranspileService{
		checker: checker,
		results: make(map[string]transformResult),
	}
	t, ok := parseTarget(target)
	if !ok {
		s.optErr = []Diagnostic{{Message: fmt.Sprintf("unknown compile target %q", target)}}
	}
	s.target = t
	return s
}

func parseTarget(name string) (api.Target, bool) {
	switch strings.ToLower(name) {
	case "", "esnext":
		return api.ESNext, true
	case "es5":
		return api.ES5, true
	case "es2015", "es6":
		return api.ES2015, true
	case "es2016":
		return api.ES2016, true
	case "es2017":
		return api.ES2017, true
	case "es2018":
		return api.ES2018, true
	case "es2019":
		return api.ES2019, true
	case "es2020":
		return api.ES2020, true
	case "es2021":
		return api.ES2021, true
	case "es2022":
		return api.ES2022, true
	default:
		return api.ESNext, false
	}
}

func (*TranspileService) Name() string { return "transpile" }

func (s *TranspileService) OptionsDiagnostics() []Diagnostic {
	return s.optErr
}

func (s *TranspileService) SyntacticDiagnostics(rec *Record) []Diagnostic {
	if rec.MediaType == MediaDeclaration {
		return nil
	}
	res := s.transform(rec)
	diags := make([]Diagnostic, 0, len(res.Errors))
	for _, m := range res.Errors {
		d := Diagnostic{File: rec.OriginURL, Message: m.Text}
		if loc := m.Location; loc != nil {
			d.Line = loc.Line
			d.Column = loc.Column + 1
			d.LineText = loc.LineText
		}
		diags = append(diags, d)
	}
	return diags
}

func (s *TranspileService) SemanticDiagnostics(rec *Record) []Diagnostic {
	if s.checker == nil {
		return nil
	}
	return s.checker(rec)
}

// Emit transpiles rec to CommonJS and wraps it in a define call.
func (s *TranspileService) Emit(rec *Record) (EmitOutput, error) {
	if rec.MediaType == MediaDeclaration {
		return EmitOutput{Files: []OutputFile{{Name: rec.OriginURL, Text: emptyModule}}}, nil
	}
	res := s.transform(rec)
	if len(res.Errors) > 0 {
		return EmitOutput{Skipped: true}, nil
	}

	code := string(res.Code)
	return EmitOutput{Files: []OutputFile{{
		Name:      rec.OriginURL,
		Text:      wrapCommonJS(code),
		SourceMap: string(res.Map),
	}}}, nil
}

// transform runs esbuild once per record version and source.
func (s *TranspileService) transform(rec *Record) api.TransformResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.results[rec.OriginURL]; ok && cached.version == rec.Version && cached.source == rec.Source {
		return cached.res
	}

	res := api.Transform(rec.Source, api.TransformOptions{
		Loader:     loaderFor(rec.MediaType),
		Format:     api.FormatCommonJS,
		Target:     s.target,
		Sourcefile: rec.OriginURL,
		Sourcemap:  api.SourceMapExternal,
		LogLevel:   api.LogLevelSilent,
	})
	s.results[rec.OriginURL] = transformResult{version: rec.Version, source: rec.Source, res: res}
	return res
}

func loaderFor(mt MediaType) api.Loader {
	switch mt {
	case MediaTypeScript:
		return api.LoaderTS
	case MediaJSON:
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}

// staticRequires lists the distinct string-literal require calls in code,
// in order of first appearance. Code that does not parse has none.
func staticRequires(code string) []string {
	prg, err := parser.ParseFile(nil, "", code, 0)
	if err != nil {
		return nil
	}
	w := &requireWalker{seen: make(map[string]bool), visited: make(map[uintptr]bool)}
	w.walk(reflect.ValueOf(prg))
	return w.deps
}

var astPkg = reflect.TypeOf(ast.Program{}).PkgPath()

// requireWalker visits every node reachable from a goja AST. The ast package
// has no visitor, so nodes are found by reflection over their fields.
type requireWalker struct {
	seen    map[string]bool
	visited map[uintptr]bool
	deps    []string
}

func (w *requireWalker) walk(v reflect.Value) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}
	case reflect.Pointer:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct || v.Elem().Type().PkgPath() != astPkg {
			return
		}
		if w.visited[v.Pointer()] {
			return
		}
		w.visited[v.Pointer()] = true
		if call, ok := v.Interface().(*ast.CallExpression); ok {
			w.call(call)
		}
		w.walk(v.Elem())
	case reflect.Struct:
		if v.Type().PkgPath() != astPkg {
			return
		}
		for n := 0; n < v.NumField(); n++ {
			if v.Type().Field(n).IsExported() {
				w.walk(v.Field(n))
			}
		}
	case reflect.Slice:
		for n := 0; n < v.Len(); n++ {
			w.walk(v.Index(n))
		}
	}
}

func (w *requireWalker) call(call *ast.CallExpression) {
	callee, ok := call.Callee.(*ast.Identifier)
	if !ok || callee.Name != "require" || len(call.ArgumentList) != 1 {
		return
	}
	lit, ok := call.ArgumentList[0].(*ast.StringLiteral)
	if !ok {
		return
	}
	spec := lit.Value.String()
	if w.seen[spec] {
		return
	}
	w.seen[spec] = true
	w.deps = append(w.deps, spec)
}

// wrapCommonJS turns CommonJS output into a define call. The prologue stays
// on the first line so emitted line numbers match the transform output.
func wrapCommonJS(code string) string {
	deps := []string{"require", "exports", "module"}
	deps = append(deps, staticRequires(code)...)

	quoted := make([]string, len(deps))
	for i, d := range deps {
		quoted[i] = strconv.Quote(d)
	}
	return "define([" + strings.Join(quoted, ", ") + "], function (require, exports, module) {" +
		code + "\n});"
}
