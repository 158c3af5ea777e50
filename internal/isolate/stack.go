package isolate

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/hostapi"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/wire"
)

// JSError is an exception thrown by script code, with its stack mapped back
// to module source.
type JSError struct {
	Message string
	Frames  []wire.StackFrame
}

func (e *JSError) Error() string {
	return e.Message
}

// StackTrace renders the mapped stack.
func (e *JSError) StackTrace() string {
	return hostapi.FormatStack(e.Message, e.Frames)
}

// "at name (file:line:col(pc))" or "at file:line:col(pc)"
var framePattern = regexp.MustCompile(`^\s*at (?:(.*?) \()?(\S+?):(\d+):(\d+)(?:\(\d+\))?\)?\s*$`)

// parseFrames extracts positioned frames from a goja stack rendering.
// Native frames carry no position and are dropped.
func parseFrames(stack string) []wire.StackFrame {
	var frames []wire.StackFrame
	for _, line := range strings.Split(stack, "\n") {
		m := framePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ln, _ := strconv.ParseUint(m[3], 10, 32)
		col, _ := strconv.ParseUint(m[4], 10, 32)
		frames = append(frames, wire.StackFrame{
			Filename: m[2],
			Name:     m[1],
			Line:     uint32(ln),
			Col:      uint32(col),
		})
	}
	return frames
}

// scriptError turns a goja failure into a *JSError. Go errors raised from
// host calls pass through unchanged. Loop goroutine only.
func (i *Isolate) scriptError(err error) error {
	var se *module.ScriptError
	if errors.As(err, &se) {
		return i.exceptionError(se.Exception)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return i.exceptionError(ex)
	}
	return err
}

func (i *Isolate) exceptionError(ex *goja.Exception) error {
	if obj, ok := ex.Value().(*goja.Object); ok {
		if goErr := goError(obj); goErr != nil {
			return goErr
		}
	}
	return i.newJSError(ex.Value().String(), ex.String())
}

// valueError converts a rejection value. Loop goroutine only.
func (i *Isolate) valueError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &JSError{Message: "Uncaught " + valueString(v)}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &JSError{Message: "Uncaught " + v.String()}
	}
	if goErr := goError(obj); goErr != nil {
		return goErr
	}
	stack := ""
	if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
		stack = s.String()
	}
	return i.newJSError(v.String(), stack)
}

func (i *Isolate) newJSError(message, stack string) *JSError {
	frames := parseFrames(stack)
	if len(frames) > 0 {
		i.registerMaps()
		frames = i.maps.Symbolicate(frames)
	}
	return &JSError{Message: message, Frames: frames}
}

// registerMaps picks up source maps for modules compiled since the last
// call.
func (i *Isolate) registerMaps() {
	cache := i.inst.Resolver().Cache()
	for _, origin := range cache.OriginURLs() {
		if i.maps.Has(origin) {
			continue
		}
		rec, ok := cache.Get(origin)
		if !ok {
			continue
		}
		if err := i.maps.RegisterRecord(rec); err != nil {
			i.logger.Debug("Ignoring source map", zap.String("origin_url", origin), zap.Error(err))
		}
	}
}

// goError returns the Go error wrapped by an object made with NewGoError.
func goError(obj *goja.Object) error {
	v := obj.Get("value")
	if v == nil {
		return nil
	}
	err, _ := v.Export().(error)
	return err
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}
