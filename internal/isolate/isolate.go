// Package isolate hosts user scripts in a goja runtime wired to a host over
// the bridge. All script execution happens on one event loop goroutine;
// host replies, timers and inbound events are queued onto it.
package isolate

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/hostapi"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/transport"
)

//go:embed prelude.js
var preludeSource string

var (
	// ErrNoResponse is the failure when a fetch listener returns without
	// calling respondWith.
	ErrNoResponse = errors.New("isolate: fetch listener did not call respondWith")
	// ErrNoListener is returned when an event arrives before a listener for
	// it was registered.
	ErrNoListener = errors.New("isolate: no listener registered")
)

// Options configure an isolate. Zero values select defaults.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	// WorkingURL resolves the entry module. Defaults to file:///.
	WorkingURL string
	// CommandTimeout bounds host commands; zero waits indefinitely.
	CommandTimeout time.Duration
	MaxCallStack   int

	// Loader fetches module source. Nil loads through the host.
	Loader module.Loader
	// Service compiles modules. Nil transpiles to es2017.
	Service module.LanguageService
}

// Isolate runs one script against one host connection.
type Isolate struct {
	opts    Options
	logger  *zap.Logger
	scripts *zap.Logger
	metrics *monitoring.Metrics

	bridge *bridge.Bridge
	client *hostapi.Client
	loop   *loop
	vm     *goja.Runtime
	inst   *module.Instantiator
	maps   *module.SourceMaps

	helpers struct {
		makeRequest goja.Callable
		settle      goja.Callable
		isResponse  goja.Callable
		stringify   goja.Callable
	}
	// loop goroutine only
	fetchHandlers   []goja.Callable
	resolveHandlers []goja.Callable

	ctx    context.Context
	cancel context.CancelFunc

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
	serveErr chan error
}

// New prepares an isolate speaking to its host over conn. Nothing runs until
// Start.
func New(conn transport.Conn, opts Options) (*Isolate, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WorkingURL == "" {
		opts.WorkingURL = "file:///"
	}
	if opts.MaxCallStack == 0 {
		opts.MaxCallStack = 4096
	}

	lp, err := newLoop()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Isolate{
		opts:     opts,
		logger:   opts.Logger,
		scripts:  opts.Logger.Named("script"),
		metrics:  opts.Metrics,
		loop:     lp,
		vm:       goja.New(),
		maps:     module.NewSourceMaps(),
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	i.bridge = bridge.New(conn, opts.Logger.Named("bridge"), bridge.Config{
		CommandTimeout: opts.CommandTimeout,
		Metrics:        opts.Metrics,
	})
	i.client = hostapi.NewClient(i.bridge)

	loader := opts.Loader
	if loader == nil {
		loader = i.client.Modules
	}
	service := opts.Service
	if service == nil {
		service = module.NewTranspileService("es2017", nil)
	}
	resolver := module.NewResolver(loader, module.NewCache(), opts.Logger.Named("resolver"))
	compiler := module.NewCompiler(service, opts.Logger.Named("compiler"), opts.Metrics)

	i.vm.SetMaxCallStackSize(opts.MaxCallStack)
	inst, err := module.NewInstantiator(i.vm, resolver, compiler, opts.Logger.Named("modules"), opts.Metrics)
	if err != nil {
		cancel()
		return nil, err
	}
	i.inst = inst

	if err := i.setupGlobals(); err != nil {
		cancel()
		return nil, fmt.Errorf("install globals: %w", err)
	}
	return i, nil
}

// Start runs the event loop and the bridge. It returns immediately.
func (i *Isolate) Start() {
	go i.loop.Run()
	go func() {
		err := i.bridge.Serve(i.ctx)
		i.serveErr <- err
		i.loop.Stop()
	}()
}

// Run evaluates the module at specifier, relative to the working URL, and
// its dependencies. Listeners registered while it runs stay active after it
// returns.
func (i *Isolate) Run(ctx context.Context, specifier string) error {
	start := time.Now()
	err := i.loop.Call(func() error {
		defer i.interruptOn(ctx)()
		_, err := i.inst.Run(ctx, specifier, i.opts.WorkingURL)
		if err != nil {
			return i.scriptError(err)
		}
		return nil
	})
	if err != nil {
		i.logger.Error("Module failed", zap.String("specifier", specifier), zap.Error(err))
		return err
	}
	i.logger.Info("Module evaluated", zap.String("specifier", specifier), zap.Duration("duration", time.Since(start)))
	return nil
}

// Eval runs src as a classic script on the loop and returns its exported
// completion value.
func (i *Isolate) Eval(ctx context.Context, name, src string) (any, error) {
	var out any
	err := i.loop.Call(func() error {
		defer i.interruptOn(ctx)()
		v, err := i.vm.RunScript(name, src)
		if err != nil {
			return i.scriptError(err)
		}
		out = v.Export()
		return nil
	})
	return out, err
}

// interruptOn aborts running script when ctx ends. The returned func
// detaches it. Loop goroutine only.
func (i *Isolate) interruptOn(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() { i.vm.Interrupt(ctx.Err()) })
	return func() {
		if !stop() {
			i.vm.ClearInterrupt()
		}
	}
}

// Wait blocks until the script exits, the host goes away, or ctx ends. It
// returns the exit code requested by the script.
func (i *Isolate) Wait(ctx context.Context) (int, error) {
	select {
	case <-i.exited:
		return i.exitCode, nil
	case err := <-i.serveErr:
		i.serveErr <- err
		select {
		case <-i.exited:
			return i.exitCode, nil
		default:
		}
		if err == nil {
			err = transport.ErrClosed
		}
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exited is closed once the script called fly.exit.
func (i *Isolate) Exited() <-chan struct{} {
	return i.exited
}

// Close stops the loop, aborts outstanding host commands and closes the
// connection.
func (i *Isolate) Close() error {
	i.cancel()
	i.vm.Interrupt(ErrStopped)
	i.loop.Stop()
	return i.bridge.Close()
}

func (i *Isolate) exit(code int) {
	i.exitOnce.Do(func() {
		i.exitCode = code
		close(i.exited)
	})
}
