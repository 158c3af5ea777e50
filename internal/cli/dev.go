package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/devhost"
	"github.com/superfly/fly.rs/internal/infrastructure/config"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/isolate"
	"github.com/superfly/fly.rs/internal/transport"
)

// DevOptions holds flags for the dev command.
type DevOptions struct {
	*RootOptions
	Dir     string
	Addr    string
	Secrets string
}

// NewDevCommand creates the dev command.
func NewDevCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dev [entry]",
		Short: "Serve an app locally with an in-process host",
		Long: `Start a development host, attach an isolate running the entry module
over an in-memory connection, and forward HTTP traffic to it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.apply()
			entry := opts.Config.Isolate.Entry
			if len(args) == 1 {
				entry = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			env, err := startDev(ctx, opts.Config, opts.Dir, entry, opts.Logger.Logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer env.Close()
			return serveHTTP(ctx, opts.Config.Dev.HTTPAddr, env.Handler, opts.Logger.Component("http"), env.Exited)
		},
	}

	cmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "directory modules are served from")
	cmd.Flags().StringVarP(&opts.Addr, "addr", "a", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.Secrets, "secrets", "", "YAML or JSON secrets file")

	return cmd
}

func (o *DevOptions) apply() {
	if o.Addr != "" {
		o.Config.Dev.HTTPAddr = o.Addr
	}
	if o.Secrets != "" {
		o.Config.Dev.SecretsFile = o.Secrets
	}
}

// devEnv is a host with one isolate attached in-process.
type devEnv struct {
	Host    *devhost.Host
	Isolate *isolate.Isolate
	Handler http.Handler
	// Exited is closed when the script calls fly.exit.
	Exited <-chan struct{}

	session *devhost.Session
	cancel  context.CancelFunc
}

// startDev builds the host, attaches an isolate over a pipe and evaluates
// entry.
func startDev(ctx context.Context, cfg *config.Config, dir, entry string, logger *zap.Logger, reg prometheus.Registerer) (*devEnv, error) {
	loader, err := hostLoader(dir, cfg, logger)
	if err != nil {
		return nil, err
	}
	metrics := monitoring.NewMetrics(reg)

	fc := devhost.DefaultFetcherConfig()
	fc.RPS = cfg.Dev.FetchRPS
	fc.Burst = cfg.Dev.FetchBurst
	host := devhost.New(devhost.Options{
		Logger:  logger.Named("devhost"),
		Metrics: metrics,
		Loader:  loader,
		Fetcher: devhost.NewFetcher(fc),
	})

	isoConn, hostConn := transport.Pipe(logger.Named("pipe"))
	session := host.Attach(hostConn)
	ctx, cancel := context.WithCancel(ctx)
	go func() { _ = session.Serve(ctx) }()

	iso, err := isolate.New(isoConn, isolate.Options{
		Logger:         logger.Named("isolate"),
		Metrics:        metrics,
		WorkingURL:     cfg.Isolate.WorkingURL,
		CommandTimeout: cfg.Isolate.CommandTimeout,
		MaxCallStack:   cfg.Isolate.MaxCallStack,
		Service:        languageService(cfg.Compiler),
	})
	if err != nil {
		cancel()
		_ = session.Close()
		return nil, err
	}
	iso.Start()

	env := &devEnv{
		Host:    host,
		Isolate: iso,
		Exited:  iso.Exited(),
		session: session,
		cancel:  cancel,
	}
	env.Handler = host.Handler(devhost.ServerConfig{
		Development: cfg.Logging.Development,
		CORS:        devhost.DefaultCORSConfig(),
		Gatherer:    gathererFor(reg),
	})

	if err := iso.Run(ctx, entry); err != nil {
		env.Close()
		return nil, fmt.Errorf("run %s: %w", entry, err)
	}
	return env, nil
}

func (e *devEnv) Close() {
	e.cancel()
	_ = e.Isolate.Close()
	_ = e.session.Close()
	e.Host.Close()
}

func gathererFor(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// serveHTTP serves handler on addr until ctx ends or done closes, then shuts
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, done <-chan struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info("Listening", zap.String("addr", ln.Addr().String()), zap.Int("pid", os.Getpid()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-done:
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
