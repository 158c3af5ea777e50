package module

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
)

var (
	ErrEmitSkipped = errors.New("emit was skipped")
	ErrOutputCount = errors.New("expected exactly one output file")
)

// DiagnosticCategory ranks a diagnostic.
type DiagnosticCategory int

const (
	CategoryError DiagnosticCategory = iota
	CategoryWarning
	CategoryMessage
)

func (c DiagnosticCategory) String() string {
	switch c {
	case CategoryWarning:
		return "warning"
	case CategoryMessage:
		return "message"
	default:
		return "error"
	}
}

// Diagnostic is one problem reported by a language service. Line and
// Column are 1-based; zero means unknown.
type Diagnostic struct {
	File     string
	Line     int
	Column   int
	Category DiagnosticCategory
	Message  string
	// LineText is the offending source line, when known.
	LineText string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		b.WriteString(d.File)
		if d.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", d.Line, d.Column)
		}
		b.WriteString(" - ")
	}
	fmt.Fprintf(&b, "%s: %s", d.Category, d.Message)
	if d.LineText != "" {
		fmt.Fprintf(&b, "\n\n    %s", d.LineText)
		if d.Column > 0 {
			fmt.Fprintf(&b, "\n    %s^", strings.Repeat(" ", d.Column-1))
		}
	}
	return b.String()
}

// CompileError carries every diagnostic for a failed compilation.
type CompileError struct {
	OriginURL   string
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %d diagnostic(s)\n%s", e.OriginURL, len(e.Diagnostics), FormatDiagnostics(e.Diagnostics))
}

// FormatDiagnostics renders diagnostics one block per entry.
func FormatDiagnostics(diags []Diagnostic) string {
	parts := make([]string, len(diags))
	for i, d := range diags {
		parts[i] = d.String()
	}
	return strings.Join(parts, "\n\n")
}

// OutputFile is one emitted file.
type OutputFile struct {
	Name string
	Text string
	// SourceMap is the emitted map, if the service produced one.
	SourceMap string
}

// EmitOutput is a language service's emit result.
type EmitOutput struct {
	Skipped bool
	Files   []OutputFile
}

// LanguageService turns module source into a script that calls define.
// Any diagnostic from the three diagnostic methods fails compilation.
type LanguageService interface {
	Name() string
	OptionsDiagnostics() []Diagnostic
	SyntacticDiagnostics(rec *Record) []Diagnostic
	SemanticDiagnostics(rec *Record) []Diagnostic
	Emit(rec *Record) (EmitOutput, error)
}

// Compiler caches language service output on each record.
type Compiler struct {
	service LanguageService
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewCompiler returns a compiler backed by service. logger and metrics may
// be nil.
func NewCompiler(service LanguageService, logger *zap.Logger, metrics *monitoring.Metrics) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{service: service, logger: logger, metrics: metrics}
}

// Service returns the language service in use.
func (c *Compiler) Service() LanguageService {
	return c.service
}

// Compile returns rec's compiled script, compiling it unless a cached
// result exists and force is false. A failed compile leaves rec untouched.
func (c *Compiler) Compile(rec *Record, force bool) (string, error) {
	if !force && rec.Compiled != "" {
		return rec.Compiled, nil
	}

	start := time.Now()
	out, err := c.compile(rec)
	c.metrics.RecordCompile(time.Since(start), err != nil)
	if err != nil {
		c.logger.Error("Compile failed", zap.String("origin_url", rec.OriginURL), zap.Error(err))
		return "", err
	}

	rec.Compiled = out
	rec.Version = 1
	rec.program = nil
	c.logger.Debug("Compiled module",
		zap.String("origin_url", rec.OriginURL),
		zap.String("service", c.service.Name()),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (c *Compiler) compile(rec *Record) (string, error) {
	output, err := c.service.Emit(rec)
	if err != nil {
		return "", fmt.Errorf("emit %s: %w", rec.OriginURL, err)
	}

	var diags []Diagnostic
	diags = append(diags, c.service.OptionsDiagnostics()...)
	diags = append(diags, c.service.SyntacticDiagnostics(rec)...)
	diags = append(diags, c.service.SemanticDiagnostics(rec)...)
	if len(diags) > 0 {
		return "", &CompileError{OriginURL: rec.OriginURL, Diagnostics: diags}
	}

	if output.Skipped {
		return "", fmt.Errorf("%s: %w", rec.OriginURL, ErrEmitSkipped)
	}
	if len(output.Files) != 1 {
		return "", fmt.Errorf("%s: %w, got %d", rec.OriginURL, ErrOutputCount, len(output.Files))
	}

	file := output.Files[0]
	if file.SourceMap != "" {
		rec.SourceMap = file.SourceMap
	}
	return file.Text + "\n//# sourceURL=" + rec.OriginURL, nil
}
