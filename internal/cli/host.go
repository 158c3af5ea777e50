package cli

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/superfly/fly.rs/internal/devhost"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/transport"
)

// HostOptions holds flags for the host command.
type HostOptions struct {
	*RootOptions
	Dir      string
	HTTPAddr string
	GRPCAddr string
	Secrets  string
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a stand-alone development host",
		Long: `Run a development host that isolates connect to over WebSocket (at
` + devhost.PathConnect + `) or gRPC. HTTP requests are forwarded to
connected isolates in turn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.apply(cmd)
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runHost(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "directory modules are served from")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc", "", "gRPC listen address; pass an empty value to disable")
	cmd.Flags().StringVar(&opts.Secrets, "secrets", "", "YAML or JSON secrets file")

	return cmd
}

func (o *HostOptions) apply(cmd *cobra.Command) {
	if o.HTTPAddr != "" {
		o.Config.Dev.HTTPAddr = o.HTTPAddr
	}
	if cmd.Flags().Changed("grpc") {
		o.Config.Dev.GRPCAddr = o.GRPCAddr
	}
	if o.Secrets != "" {
		o.Config.Dev.SecretsFile = o.Secrets
	}
}

func runHost(ctx context.Context, opts *HostOptions) error {
	cfg := opts.Config
	logger := opts.Logger.Component("devhost")

	loader, err := hostLoader(opts.Dir, cfg, logger)
	if err != nil {
		return err
	}
	fc := devhost.DefaultFetcherConfig()
	fc.RPS = cfg.Dev.FetchRPS
	fc.Burst = cfg.Dev.FetchBurst
	host := devhost.New(devhost.Options{
		Logger:  logger,
		Metrics: monitoring.NewMetrics(prometheus.DefaultRegisterer),
		Loader:  loader,
		Fetcher: devhost.NewFetcher(fc),
	})
	defer host.Close()

	handler := host.Handler(devhost.ServerConfig{
		Development: cfg.Logging.Development,
		CORS:        devhost.DefaultCORSConfig(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(ctx, cfg.Dev.HTTPAddr, handler, logger.Named("http"), nil)
	})
	if cfg.Dev.GRPCAddr != "" {
		g.Go(func() error {
			return serveGRPC(ctx, cfg.Dev.GRPCAddr, host, logger.Named("grpc"))
		})
	}
	return g.Wait()
}

func serveGRPC(ctx context.Context, addr string, host *devhost.Host, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(transport.GRPCServerOptions()...)
	host.RegisterGRPC(srv)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	logger.Info("Listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}
