// Package cli implements the codesage command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaocainiao633/codesage/internal/app"
	"github.com/xiaocainiao633/codesage/internal/config"
)

type rootOptions struct {
	configFile string
	verbose    bool
	jsonOut    bool
}

// NewRootCommand builds the codesage command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "codesage",
		Short: "Follow code analysis tasks live",
		Long: `codesage creates analysis, conversion, test and git tasks on a codesage
server and follows their progress and agent reasoning over push channels.

Settings come from CODESAGE_* environment variables, optionally layered
over a YAML file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default $"+config.ConfigFileEnv+")")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newServeCommand(opts),
		newListCommand(opts),
		newCreateCommand(opts),
		newWatchCommand(opts),
		newCancelCommand(opts),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) load() (config.Config, error) {
	path := o.configFile
	if path == "" {
		path = os.Getenv(config.ConfigFileEnv)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

// withClient builds the client for a short-lived command and tears it down
// when fn returns or the process is interrupted.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, res *app.BuildResult) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	if !o.verbose {
		cfg.LogLevel = "warn"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = res.Cleanup(shutdownCtx)
	}()

	return fn(ctx, res)
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
