package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vincentbai/lmstrace/internal/config"
	"github.com/vincentbai/lmstrace/internal/logging"
)

// app carries state shared by every subcommand once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logger     zerolog.Logger
	out        io.Writer
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "lmstrace",
		Short: "LMS assignment-session telemetry",
		Long: `lmstrace collects behavioral telemetry from LMS assignment pages.

It runs the reference receiving endpoint, replays scripted page sessions
through the collector, and lists the events an endpoint has stored.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default lmstrace.yaml in . or the application directory)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "auto", "log format (auto, json, console)")
	flags.String("endpoint", "http://127.0.0.1:8123", "origin the collector delivers to")
	flags.String("db", "", "endpoint database path (default events.db in the application directory)")
	a.bind(config.KeyLogLevel, flags.Lookup("log-level"))
	a.bind(config.KeyLogFormat, flags.Lookup("log-format"))
	a.bind(config.KeyEndpoint, flags.Lookup("endpoint"))
	a.bind(config.KeyServerDatabase, flags.Lookup("db"))

	root.AddCommand(
		newServeCommand(a),
		newSimulateCommand(a),
		newEventsCommand(a),
		newVersionCommand(a),
	)
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag.Name, err))
	}
}

// setup loads configuration and builds the logger before any command runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	a.logger = logging.New(cfg.Log)
	if cfg.File != "" {
		a.logger.Debug().Str("file", cfg.File).Msg("using config file")
	}
	return nil
}
