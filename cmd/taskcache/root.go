package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chronosphereio/taskcache"
)

// app holds what every subcommand shares once the root command has run.
type app struct {
	configPath   string
	connection   string
	logLevel     string
	debug        bool
	readDisabled bool
	printStats   bool

	manager *taskcache.CacheManager
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "taskcache",
		Short:         "Inspect and populate the task output cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.printStats && a.manager != nil {
				printStats(os.Stderr, a.manager.Stats())
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "taskcache.toml", "path to the TOML config file")
	flags.StringVar(&a.connection, "connection", "", "cache location: http(s) container URL or local directory")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.debug, "debug", false, "log every backend call")
	flags.BoolVar(&a.readDisabled, "read-disabled", false, "treat every lookup as a miss")
	flags.BoolVar(&a.printStats, "stats", false, "print cache statistics on exit")

	cmd.AddCommand(
		newGetCmd(a),
		newStatCmd(a),
		newPutCmd(a),
		newServeCmd(a),
	)

	return cmd
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := taskcache.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("connection") {
		cfg.Connection = a.connection
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("debug") {
		cfg.Debug = a.debug
	}
	if flags.Changed("read-disabled") {
		cfg.ReadDisabled = a.readDisabled
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	a.manager, err = taskcache.Open(cfg, taskcache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	return nil
}

// keyFlags are the flags naming one cache entry.
type keyFlags struct {
	task    string
	version string
	hash    string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.task, "task", "", "task name")
	cmd.Flags().StringVar(&k.version, "version", "", "task version")
	cmd.Flags().StringVar(&k.hash, "hash", "", "task content hash")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("hash")
}
