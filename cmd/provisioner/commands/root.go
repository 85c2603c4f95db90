// Package commands defines the CLI command structure and flag bindings.
// Execution is delegated to internal/app.
package commands

import (
	"context"

	"provisioning-queue/internal/app"
	"provisioning-queue/internal/config"
	"provisioning-queue/internal/logging"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

var globals globalOptions

// Root returns the root command for the provisioner CLI.
func Root() *cobra.Command {
	globals = globalOptions{}

	cmd := &cobra.Command{
		Use:           "provisioner",
		Short:         "Provision queued game servers through the panel API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&globals.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&globals.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&globals.logFormat, "log-format", "", "Log format: auto, json, console")

	cmd.AddCommand(Dispatch())
	cmd.AddCommand(Serve())
	cmd.AddCommand(Enqueue())
	cmd.AddCommand(List())
	cmd.AddCommand(Migrate())
	cmd.AddCommand(Version())

	return cmd
}

// openRuntime loads configuration, builds the logger and opens the runtime.
// The returned cleanup must be deferred.
func openRuntime(ctx context.Context) (*app.Runtime, logr.Logger, func(), error) {
	cfg, err := config.Load(globals.configPath)
	if err != nil {
		return nil, logr.Discard(), func() {}, err
	}
	if globals.logLevel != "" {
		cfg.LogLevel = globals.logLevel
	}
	if globals.logFormat != "" {
		cfg.LogFormat = globals.logFormat
	}

	log, flush, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, logr.Discard(), func() {}, err
	}

	rt, err := app.New(ctx, cfg, log)
	if err != nil {
		flush()
		return nil, log, func() {}, err
	}
	return rt, log, func() {
		rt.Close()
		flush()
	}, nil
}
