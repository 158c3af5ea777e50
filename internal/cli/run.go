package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/devhost"
	"github.com/superfly/fly.rs/internal/infrastructure/config"
	"github.com/superfly/fly.rs/internal/isolate"
	"github.com/superfly/fly.rs/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Transport      string
	HostAddr       string
	WorkingURL     string
	CommandTimeout time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [entry]",
		Short: "Run an isolate against a host",
		Long: `Connect to a host, evaluate the entry module and serve the events the
host delivers until the script exits or the host goes away.

Modules are loaded through the host. The entry defaults to FLY_ISOLATE_ENTRY.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.apply(cmd)
			entry := opts.Config.Isolate.Entry
			if len(args) == 1 {
				entry = args[0]
			}
			return runIsolate(cmd.Context(), opts, entry)
		},
	}

	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", "", "host transport (stdio|ws|grpc)")
	cmd.Flags().StringVar(&opts.HostAddr, "host", "", "host address for ws and grpc transports")
	cmd.Flags().StringVar(&opts.WorkingURL, "working-url", "", "base URL the entry resolves against")
	cmd.Flags().DurationVar(&opts.CommandTimeout, "command-timeout", 0, "bound on each host command (0 waits)")

	return cmd
}

// apply copies set flags over the loaded configuration.
func (o *RunOptions) apply(cmd *cobra.Command) {
	iso := &o.Config.Isolate
	if o.Transport != "" {
		iso.Transport = o.Transport
	}
	if o.HostAddr != "" {
		iso.HostAddr = o.HostAddr
	}
	if o.WorkingURL != "" {
		iso.WorkingURL = o.WorkingURL
	}
	if cmd.Flags().Changed("command-timeout") {
		iso.CommandTimeout = o.CommandTimeout
	}
}

func runIsolate(parent context.Context, opts *RunOptions, entry string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	cfg := opts.Config
	logger := opts.Logger.Component("isolate")

	conn, err := dial(ctx, cfg.Isolate, logger)
	if err != nil {
		return err
	}
	iso, err := isolate.New(conn, isolate.Options{
		Logger:         logger,
		WorkingURL:     cfg.Isolate.WorkingURL,
		CommandTimeout: cfg.Isolate.CommandTimeout,
		MaxCallStack:   cfg.Isolate.MaxCallStack,
		Service:        languageService(cfg.Compiler),
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer iso.Close()
	iso.Start()

	logger.Info("Running entry",
		zap.String("entry", entry),
		zap.String("transport", cfg.Isolate.Transport),
	)
	if err := iso.Run(ctx, entry); err != nil {
		return err
	}
	return waitIsolate(ctx, iso)
}

// waitIsolate blocks until the script exits or the isolate loses its host.
func waitIsolate(ctx context.Context, iso *isolate.Isolate) error {
	code, err := iso.Wait(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	case code != 0:
		return &ExitError{Code: code}
	default:
		return nil
	}
}

func dial(ctx context.Context, cfg config.IsolateConfig, logger *zap.Logger) (transport.Conn, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return transport.Stdio(logger.Named("stdio")), nil
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, webSocketURL(cfg.HostAddr), nil, logger.Named("ws"))
	case config.TransportGRPC:
		return transport.DialGRPC(ctx, cfg.HostAddr, logger.Named("grpc"))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// webSocketURL accepts a bare host:port and points it at the development
// host's isolate endpoint.
func webSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + strings.TrimPrefix(addr, "http://") + devhost.PathConnect
}
