package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
)

var (
	ErrNoFactory       = errors.New("cannot run module without factory")
	ErrAlreadyRun      = errors.New("module has already been run")
	ErrRequireArity    = errors.New("local require takes exactly one dependency")
	ErrMissingDep      = errors.New("missing dependency")
	ErrBadDefine       = errors.New("define expects a dependency array and a factory")
	ErrNotEvaluable    = errors.New("compiled module did not evaluate to a function")
	errModuleException = errors.New("module threw")
)

// Pseudo-dependencies bound per module rather than resolved.
const (
	depRequire = "require"
	depExports = "exports"
	depModule  = "module"
)

// exportsHelpers is evaluated once per runtime. It builds the CommonJS
// module object whose exports setter copies onto the original exports
// object, so references handed out earlier in a cycle see the final
// exports.
const exportsHelpers = `(function () {
	function assign(target, value) {
		if (value === target || value === undefined || value === null) { return; }
		if (typeof value !== "object") { target["default"] = value; }
		if (typeof value !== "object" && typeof value !== "function") { return; }
		var keys = typeof value === "object" ? Reflect.ownKeys(value) : Object.keys(value);
		keys.forEach(function (k) {
			var d = Object.getOwnPropertyDescriptor(value, k);
			d.configurable = true;
			Object.defineProperty(target, k, d);
		});
	}
	function moduleObject(id, exports) {
		var m = { id: id };
		Object.defineProperty(m, "exports", {
			enumerable: true,
			get: function () { return exports; },
			set: function (v) { assign(exports, v); }
		});
		return m;
	}
	return { assign: assign, moduleObject: moduleObject };
})()`

// ScriptError is a JavaScript exception raised while evaluating or running
// a module. StackTrace returns the script stack.
type ScriptError struct {
	OriginURL string
	Exception *goja.Exception
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.OriginURL, e.Exception.Error())
}

func (e *ScriptError) StackTrace() string {
	return e.Exception.String()
}

func (e *ScriptError) Unwrap() error {
	return errModuleException
}

// Instantiator evaluates compiled modules and drains the run queue. It is
// bound to one goja runtime and must only be used from the goroutine that
// owns that runtime.
type Instantiator struct {
	vm       *goja.Runtime
	resolver *Resolver
	compiler *Compiler
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	ctx   context.Context
	depth int
	queue []*Record
	// thrown maps exceptions raised by the hooks back to their Go errors.
	thrown map[*goja.Object]error

	assign       goja.Callable
	moduleObject goja.Callable
}

// NewInstantiator binds resolver and compiler to vm.
func NewInstantiator(vm *goja.Runtime, resolver *Resolver, compiler *Compiler, logger *zap.Logger, metrics *monitoring.Metrics) (*Instantiator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Instantiator{
		vm:       vm,
		resolver: resolver,
		compiler: compiler,
		logger:   logger,
		metrics:  metrics,
		ctx:      context.Background(),
		thrown:   make(map[*goja.Object]error),
	}

	helpers, err := vm.RunString(exportsHelpers)
	if err != nil {
		return nil, fmt.Errorf("install module helpers: %w", err)
	}
	obj := helpers.ToObject(vm)
	var ok bool
	if i.assign, ok = goja.AssertFunction(obj.Get("assign")); !ok {
		return nil, errors.New("module helpers: assign is not a function")
	}
	if i.moduleObject, ok = goja.AssertFunction(obj.Get("moduleObject")); !ok {
		return nil, errors.New("module helpers: moduleObject is not a function")
	}
	return i, nil
}

// Resolver returns the resolver in use.
func (i *Instantiator) Resolver() *Resolver {
	return i.resolver
}

// Run resolves specifier against referrer, instantiates it unless it has
// already defined itself, and drains the run queue.
func (i *Instantiator) Run(ctx context.Context, specifier, referrer string) (*Record, error) {
	prev := i.ctx
	i.ctx = ctx
	i.depth++
	defer func() {
		i.ctx = prev
		if i.depth--; i.depth == 0 {
			i.thrown = make(map[*goja.Object]error)
		}
	}()

	return i.run(specifier, referrer)
}

func (i *Instantiator) run(specifier, referrer string) (*Record, error) {
	rec, err := i.resolver.Resolve(i.ctx, specifier, referrer)
	if err != nil {
		return nil, err
	}
	if !rec.Defined() {
		mark := len(i.queue)
		if err := i.instantiate(rec); err != nil {
			for _, r := range i.queue[mark:] {
				r.undefine()
			}
			i.queue = i.queue[:mark]
			return nil, err
		}
	}
	if err := i.drain(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transform compiles specifier without running it.
func (i *Instantiator) Transform(ctx context.Context, specifier string) (string, error) {
	rec, err := i.resolver.Resolve(ctx, specifier, "")
	if err != nil {
		return "", err
	}
	return i.compiler.Compile(rec, false)
}

// Reload resets originURL so the next Run evaluates it afresh.
func (i *Instantiator) Reload(originURL string) (*Record, error) {
	return i.resolver.Cache().Reload(originURL)
}

// instantiate evaluates rec's compiled code with a define hook bound to rec.
// Modules that have run are skipped. Modules that have only defined
// themselves are evaluated again.
func (i *Instantiator) instantiate(rec *Record) error {
	if rec.HasRun {
		return nil
	}

	code, err := i.compiler.Compile(rec, false)
	if err != nil {
		return err
	}

	if rec.program == nil {
		p, err := goja.Compile(rec.OriginURL, "(function (define) {"+code+"\n})", false)
		if err != nil {
			return &CompileError{
				OriginURL:   rec.OriginURL,
				Diagnostics: []Diagnostic{{File: rec.OriginURL, Message: err.Error()}},
			}
		}
		rec.program = p
	}

	v, err := i.vm.RunProgram(rec.program)
	if err != nil {
		return i.scriptError(rec, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return fmt.Errorf("%s: %w", rec.OriginURL, ErrNotEvaluable)
	}

	i.logger.Debug("Instantiating module", zap.String("origin_url", rec.OriginURL))
	if _, err := fn(goja.Undefined(), i.vm.ToValue(i.defineFor(rec))); err != nil {
		rec.gathering = false
		return i.scriptError(rec, err)
	}
	return nil
}

// defineFor builds the define hook for rec.
func (i *Instantiator) defineFor(rec *Record) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		deps, factory, err := i.defineArgs(call.Arguments)
		if err != nil {
			i.throw(fmt.Errorf("%s: %w", rec.OriginURL, err))
		}

		rec.factory = factory
		rec.gathering = true

		resolved := make([]string, 0, len(deps))
		for _, dep := range deps {
			switch dep {
			case depRequire, depExports, depModule:
				resolved = append(resolved, dep)
				continue
			}

			d, err := i.resolver.Resolve(i.ctx, dep, rec.OriginURL)
			if err != nil {
				rec.gathering = false
				i.throw(err)
			}
			if !d.gathering && !d.Defined() {
				if err := i.instantiate(d); err != nil {
					rec.gathering = false
					i.throw(err)
				}
			}
			resolved = append(resolved, d.OriginURL)
		}

		rec.Deps = resolved
		rec.gathering = false
		i.enqueue(rec)
		return goja.Undefined()
	}
}

// defineArgs accepts define(deps, factory), define(factory) and the named
// define(id, deps, factory) form.
func (i *Instantiator) defineArgs(args []goja.Value) ([]string, goja.Value, error) {
	if len(args) > 0 {
		if _, ok := args[0].Export().(string); ok {
			args = args[1:]
		}
	}

	switch len(args) {
	case 1:
		return []string{depRequire, depExports, depModule}, args[0], nil
	case 2:
		var deps []string
		if err := i.vm.ExportTo(args[0], &deps); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadDefine, err)
		}
		return deps, args[1], nil
	default:
		return nil, nil, ErrBadDefine
	}
}

func (i *Instantiator) enqueue(rec *Record) {
	for _, r := range i.queue {
		if r == rec {
			return
		}
	}
	i.queue = append(i.queue, rec)
}

func (i *Instantiator) queued(rec *Record) bool {
	for _, r := range i.queue {
		if r == rec {
			return true
		}
	}
	return false
}

// drain runs queued factories in FIFO order. On failure the remaining
// entries are returned to the unresolved state so a later run can retry.
func (i *Instantiator) drain() error {
	for len(i.queue) > 0 {
		rec := i.queue[0]
		i.queue = i.queue[1:]

		if err := i.runFactory(rec); err != nil {
			rec.undefine()
			i.abandonQueue()
			return err
		}
	}
	return nil
}

func (i *Instantiator) abandonQueue() {
	for _, r := range i.queue {
		r.undefine()
	}
	i.queue = nil
}

func (i *Instantiator) runFactory(rec *Record) error {
	if rec.factory == nil {
		return fmt.Errorf("%s: %w", rec.OriginURL, ErrNoFactory)
	}
	if rec.HasRun {
		return fmt.Errorf("%s: %w", rec.OriginURL, ErrAlreadyRun)
	}

	args, err := i.factoryArguments(rec)
	if err != nil {
		return err
	}

	exports := i.exports(rec)
	rec.running = true
	defer func() { rec.running = false }()

	if fn, ok := goja.AssertFunction(rec.factory); ok {
		ret, err := fn(goja.Undefined(), args...)
		if err != nil {
			return i.scriptError(rec, err)
		}
		if ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
			if _, err := i.assign(goja.Undefined(), exports, ret); err != nil {
				return i.scriptError(rec, err)
			}
		}
	} else if _, err := i.assign(goja.Undefined(), exports, rec.factory); err != nil {
		return i.scriptError(rec, err)
	}

	rec.HasRun = true
	i.metrics.IncModulesRun()
	i.logger.Debug("Module ran", zap.String("origin_url", rec.OriginURL))
	return nil
}

func (i *Instantiator) factoryArguments(rec *Record) ([]goja.Value, error) {
	if rec.Deps == nil {
		return nil, fmt.Errorf("%s: dependencies not resolved", rec.OriginURL)
	}
	args := make([]goja.Value, 0, len(rec.Deps))
	for _, dep := range rec.Deps {
		switch dep {
		case depRequire:
			args = append(args, i.vm.ToValue(i.localRequire(rec)))
		case depExports:
			args = append(args, i.exports(rec))
		case depModule:
			m, err := i.moduleObject(goja.Undefined(), i.vm.ToValue(rec.OriginURL), i.exports(rec))
			if err != nil {
				return nil, i.scriptError(rec, err)
			}
			args = append(args, m)
		default:
			d, ok := i.resolver.Cache().Get(dep)
			if !ok {
				return nil, fmt.Errorf("%s: %w %q", rec.OriginURL, ErrMissingDep, dep)
			}
			args = append(args, i.exports(d))
		}
	}
	return args, nil
}

func (i *Instantiator) exports(rec *Record) *goja.Object {
	if rec.Exports == nil {
		rec.Exports = i.vm.NewObject()
	}
	return rec.Exports
}

// localRequire serves require calls inside a module body. The string form
// returns a dependency's exports, running it first if needed; a dependency
// still in flight hands out its partial exports. The array form loads one
// module and passes its exports to a callback, or the failure to an
// errback.
func (i *Instantiator) localRequire(rec *Record) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		first := call.Argument(0)

		if spec, ok := first.Export().(string); ok {
			exports, err := i.require(spec, rec)
			if err != nil {
				i.throw(err)
			}
			return exports
		}

		var deps []string
		if err := i.vm.ExportTo(first, &deps); err != nil || len(deps) != 1 {
			i.throw(fmt.Errorf("%s: %w", rec.OriginURL, ErrRequireArity))
		}

		callback, _ := goja.AssertFunction(call.Argument(1))
		errback, hasErrback := goja.AssertFunction(call.Argument(2))

		dep, err := i.run(deps[0], rec.OriginURL)
		if err != nil {
			if !hasErrback {
				i.throw(err)
			}
			if _, cbErr := errback(goja.Undefined(), i.errorValue(err)); cbErr != nil {
				panic(cbErr)
			}
			return goja.Undefined()
		}
		if callback != nil {
			if _, cbErr := callback(goja.Undefined(), i.exports(dep)); cbErr != nil {
				panic(cbErr)
			}
		}
		return goja.Undefined()
	}
}

func (i *Instantiator) require(spec string, rec *Record) (*goja.Object, error) {
	dep, err := i.resolver.Resolve(i.ctx, spec, rec.OriginURL)
	if err != nil {
		return nil, err
	}
	if dep.HasRun || dep.running || dep.gathering || i.queued(dep) {
		return i.exports(dep), nil
	}
	if _, err := i.run(spec, rec.OriginURL); err != nil {
		return nil, err
	}
	return i.exports(dep), nil
}

// throw raises err as a JavaScript exception, remembering it so the Go
// caller that sees the exception can recover the typed error.
func (i *Instantiator) throw(err error) {
	v := i.errorValue(err)
	if obj, ok := v.(*goja.Object); ok {
		i.thrown[obj] = err
	}
	panic(v)
}

func (i *Instantiator) errorValue(err error) goja.Value {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Exception.Value()
	}
	return i.vm.NewGoError(err)
}

// scriptError converts an error from goja into a typed error, preferring a
// Go error raised by one of the hooks.
func (i *Instantiator) scriptError(rec *Record, err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if e, ok := i.thrown[obj]; ok {
				delete(i.thrown, obj)
				return e
			}
		}
		return &ScriptError{OriginURL: rec.OriginURL, Exception: ex}
	}
	return fmt.Errorf("%s: %w", rec.OriginURL, err)
}
