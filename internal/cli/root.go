// Package cli implements the fly command line: running an isolate against a
// host, a local development environment, a stand-alone development host and
// an offline compiler.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/infrastructure/config"
	"github.com/superfly/fly.rs/internal/infrastructure/logging"
	"github.com/superfly/fly.rs/internal/module"
)

// RootOptions holds global flags and the configuration they override.
type RootOptions struct {
	LogLevel string
	Dev      bool

	Config *config.Config
	Logger *logging.Logger
}

// ExitError carries the exit code a script asked for.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.Code)
}

// ExitCode maps an Execute error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// NewRootCommand creates the root command for the fly CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fly",
		Short: "Run edge scripts in a JavaScript isolate",
		Long: `fly runs JavaScript and TypeScript edge applications in an isolate
that talks to its host over a message bridge.

Configuration is read from FLY_* environment variables; flags override it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Logger != nil {
				_ = opts.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.Dev, "dev-logs", false, "human readable development logs")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDevCommand(opts))
	cmd.AddCommand(NewHostCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))

	return cmd
}

func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if cmd.Flags().Changed("dev-logs") {
		cfg.Logging.Development = o.Dev
	}
	o.Config = cfg

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	o.Logger = logger
	return nil
}

// languageService picks the compiler backend from configuration.
func languageService(cfg config.CompilerConfig) module.LanguageService {
	if cfg.Mode == config.ModeScript {
		return module.NewScriptService()
	}
	return module.NewTranspileService(cfg.Target, nil)
}

// hostLoader serves modules from dir, plus secrets when a secrets file is
// configured.
func hostLoader(dir string, cfg *config.Config, logger *zap.Logger) (module.Loader, error) {
	loader := module.NewSchemeLoader(cfg.Isolate.WorkingURL, logger.Named("loader")).
		Register("file", module.NewDirLoader(dir))
	if cfg.Dev.SecretsFile != "" {
		secrets, err := module.LoadSecretsFile(cfg.Dev.SecretsFile)
		if err != nil {
			return nil, fmt.Errorf("secrets: %w", err)
		}
		loader.Register("secrets", secrets)
	}
	return loader, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
