// Package command implements the nrtctl command tree, one file per
// subcommand, using cobra's options-struct convention.
package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leptonai/nrtd/internal/ambient"
	"github.com/leptonai/nrtd/pkg/config"
	"github.com/leptonai/nrtd/pkg/log"
)

// Console markers used across subcommands for at-a-glance pass/fail
// output.
const (
	CheckMark   = "✓"
	WarningSign = "⚠"
)

// rootOptions holds the persistent flags every subcommand needs plus the
// ambient.State built once in PersistentPreRunE, before any subcommand's
// RunE executes.
type rootOptions struct {
	dataDir    string
	configPath string
	logLevel   string
	logFile    string
	maxLogMB   int

	State *ambient.State
}

// NewRootCommand builds the nrtctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "nrtctl",
		Short:         "Inspect and drive the native runtime lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
	}

	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "on-disk cache root (defaults to the platform app-data dir)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (--data-dir, if set, overrides its data directory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "write JSON logs to this file in addition to stderr")
	root.PersistentFlags().IntVar(&opts.maxLogMB, "log-max-size-mb", 64, "rotate the log file after this many megabytes")

	root.AddCommand(
		newProbeCommand(opts),
		newStatusCommand(opts),
		newEnsureCommand(opts),
		newUpdateCommand(opts),
		newServeCommand(opts),
	)

	return root
}

// init builds the process-wide logger and ambient.State from the parsed
// persistent flags. Run once, by the root command's PersistentPreRunE,
// before any subcommand body.
func (o *rootOptions) init() error {
	level, err := log.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	if o.logFile != "" {
		log.Init(log.CreateLoggerWithLumberjack(o.logFile, o.maxLogMB, level))
	}

	var cfg *config.Config
	if o.configPath != "" {
		cfg, err = config.LoadConfigYAML(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}

	st, err := ambient.New(cfg)
	if err != nil {
		return fmt.Errorf("build ambient state: %w", err)
	}
	o.State = st
	return nil
}
