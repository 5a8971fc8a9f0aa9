package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/infrastructure/config"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/renderer"
)

var (
	configPath    string
	addr          string
	singleProcess bool
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "prochostd",
	Short: "Worker process host daemon",
	Long: `prochostd launches sandboxed renderer children, connects to each over a
private channel, routes their messages, and reuses or isolates processes by
site. A local HTTP server exposes the host registry.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host daemon (default)",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging at debug level")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "introspection listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&singleProcess, "single-process", false, "run renderers inside the daemon")

	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	// The daemon relaunches its own binary as the renderer child. Children
	// carry switches cobra does not know, so they branch off first.
	if kind, ok := launcher.LookupSwitch(os.Args[1:], launcher.SwitchProcessType); ok {
		os.Exit(runChild(kind))
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChild(kind string) int {
	logger := logging.NewDefault()
	defer logger.Sync()

	if kind != launcher.ProcessTypeRenderer {
		logger.Error("Unknown process type", zap.String("type", kind))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := renderer.Main(ctx, os.Args[1:], logger.Component("renderer")); err != nil {
		logger.Error("Renderer exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if singleProcess {
		cfg.Host.SingleProcess = true
	}
	if verbose {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(logging.FromConfig(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
