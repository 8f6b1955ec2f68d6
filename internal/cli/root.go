// Package cli defines the bushub command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/menta2k/bushub"
	"github.com/menta2k/bushub/internal/config"
	"github.com/menta2k/bushub/internal/logging"
)

// Options stores global CLI options shared between commands
type Options struct {
	ConfigPath string
	LogLevel   string

	out    io.Writer
	logger *slog.Logger
	config *config.Config
}

// Execute builds the root command and runs it with args
func Execute(args []string, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if out == nil {
		out = os.Stdout
	}
	opts := &Options{
		ConfigPath: config.GetConfigPath(),
		out:        out,
		logger:     logger,
	}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	return cmd.ExecuteContext(context.Background())
}

func newRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bushub",
		Short:         "bushub digitizes paper market plans",
		Long:          "bushub turns scanned market plans into transparent stall overlays, places them on the map and saves the layout to the markets API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if cmd.Flags().Changed("log-level") {
				level = opts.LogLevel
			}
			opts.logger = logging.NewLogger(os.Stderr, logging.ParseLevel(level))
			opts.config = cfg
			opts.logger.Debug("configuration loaded", "path", opts.ConfigPath, "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSegmentCommand(opts),
		newSuggestCommand(opts),
		newVisionTestCommand(opts),
		newServeCommand(opts),
		newProjectCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// hub builds a Hub from the loaded configuration. The caller closes it.
func (o *Options) hub() (*bushub.Hub, error) {
	return bushub.New(o.config, o.logger)
}

func (o *Options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bushub version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(opts.out, "bushub", bushub.GetVersion())
			return err
		},
	}
}

func newConfigCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.printJSON(opts.config)
		},
	}, &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Default().SaveToFile(path); err != nil {
				return err
			}
			opts.logger.Info("configuration written", "path", path)
			return nil
		},
	})
	return cmd
}
