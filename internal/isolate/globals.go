package isolate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/infrastructure/logging"
)

// setupGlobals installs console, timers, event registration and the host
// APIs, then evaluates the prelude that builds the web classes on top of
// them.
func (i *Isolate) setupGlobals() error {
	vm := i.vm

	console := vm.NewObject()
	for _, method := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		if err := console.Set(method, i.makeConsoleFunc(method)); err != nil {
			return err
		}
	}
	if err := console.Set("assert", i.consoleAssert); err != nil {
		return err
	}

	globals := map[string]any{
		"console":          console,
		"setTimeout":       i.makeTimerFunc(false),
		"setInterval":      i.makeTimerFunc(true),
		"clearTimeout":     i.clearTimer,
		"clearInterval":    i.clearTimer,
		"addEventListener": i.addEventListener,
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is not a function")
	}
	i.helpers.stringify = stringify

	v, err := vm.RunScript("fly:prelude", preludeSource)
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	build, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("prelude did not evaluate to a function")
	}
	helpers, err := build(goja.Undefined(), i.nativeObject(), vm.GlobalObject())
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	obj := helpers.ToObject(vm)
	for name, dst := range map[string]*goja.Callable{
		"makeRequest": &i.helpers.makeRequest,
		"settle":      &i.helpers.settle,
		"isResponse":  &i.helpers.isResponse,
	} {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return fmt.Errorf("prelude: %s is not a function", name)
		}
		*dst = fn
	}
	return nil
}

func (i *Isolate) makeConsoleFunc(method string) func(goja.FunctionCall) goja.Value {
	level := logging.ScriptLevel(method)
	return func(call goja.FunctionCall) goja.Value {
		if ce := i.scripts.Check(level, i.format(call.Arguments)); ce != nil {
			ce.Write(zap.String("method", method))
		}
		return goja.Undefined()
	}
}

func (i *Isolate) consoleAssert(call goja.FunctionCall) goja.Value {
	if call.Argument(0).ToBoolean() {
		return goja.Undefined()
	}
	msg := "Assertion failed"
	if len(call.Arguments) > 1 {
		msg += ": " + i.format(call.Arguments[1:])
	}
	i.scripts.Error(msg, zap.String("method", "assert"))
	return goja.Undefined()
}

// format joins console arguments the way browsers print them: strings
// verbatim, errors with their stack, everything else as JSON.
func (i *Isolate) format(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, i.formatValue(arg))
	}
	return strings.Join(parts, " ")
}

func (i *Isolate) formatValue(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return valueString(v)
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
		return v.String()
	}
	s, err := i.helpers.stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(s) {
		return v.String()
	}
	return s.String()
}

func (i *Isolate) makeTimerFunc(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(i.vm.NewTypeError("callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		id, err := i.loop.setTimer(delay, repeat, func() {
			if _, err := fn(goja.Undefined(), args...); err != nil {
				i.uncaught("timer", err)
			}
		})
		if err != nil {
			panic(i.vm.NewGoError(err))
		}
		return i.vm.ToValue(id)
	}
}

func (i *Isolate) clearTimer(call goja.FunctionCall) goja.Value {
	i.loop.clearTimer(uint64(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

// addEventListener registers a fetch or resolve listener. The host is told
// about the first listener of each kind.
func (i *Isolate) addEventListener(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(i.vm.NewTypeError("listener must be a function"))
	}

	var err error
	switch typ {
	case "fetch":
		i.fetchHandlers = append(i.fetchHandlers, fn)
		if len(i.fetchHandlers) == 1 {
			err = i.bridge.AddFetchListener(i.ctx, i.onFetch)
		}
	case "resolve":
		i.resolveHandlers = append(i.resolveHandlers, fn)
		if len(i.resolveHandlers) == 1 {
			err = i.bridge.AddResolveListener(i.ctx, i.onResolve)
		}
	default:
		panic(i.vm.NewTypeError("unsupported event type %q", typ))
	}
	if err != nil {
		panic(i.vm.NewGoError(err))
	}
	i.logger.Debug("Listener added", zap.String("event", typ))
	return goja.Undefined()
}

// uncaught logs an exception nobody could observe.
func (i *Isolate) uncaught(where string, err error) {
	err = i.scriptError(err)
	var je *JSError
	if errors.As(err, &je) {
		i.scripts.Error("Uncaught exception", zap.String("in", where), zap.String("stack", je.StackTrace()))
		return
	}
	i.scripts.Error("Uncaught exception", zap.String("in", where), zap.Error(err))
}

// async runs work off the loop and settles the returned promise back on it.
// convert, when set, turns the result into a script value on the loop.
func (i *Isolate) async(work func(ctx context.Context) (any, error), convert func(any) goja.Value) goja.Value {
	p, resolve, reject := i.vm.NewPromise()
	go func() {
		v, err := work(i.ctx)
		i.loop.Do(func() {
			if err != nil {
				reject(i.vm.NewGoError(err))
				return
			}
			if convert != nil {
				resolve(convert(v))
				return
			}
			resolve(v)
		})
	}()
	return i.vm.ToValue(p)
}
