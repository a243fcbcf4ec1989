// Command gitrun runs files from GitHub repositories on a remote execution
// service and keeps a local history of the runs.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/deixis/gitrun"
	"github.com/deixis/gitrun/internal/config"
	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/logging"
	"github.com/deixis/gitrun/internal/remote"
	"github.com/deixis/gitrun/internal/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	if cerr := a.shutdown(); cerr != nil && err == nil {
		err = cerr
	}
	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		fmt.Fprintln(os.Stderr, "gitrun:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app holds what every subcommand needs once flags and config are resolved.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *history.Store
	close  func() error
}

type globalFlags struct {
	dir       string
	server    string
	mode      string
	history   string
	logLevel  string
	logFormat string
}

func newRootCmd(a *app) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "gitrun",
		Short: "Run a file from a GitHub repository remotely",
		Long: `gitrun fetches a file from a GitHub repository, runs it on a remote
execution service and records the outcome in a local history.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			defaultLevel := "warn"
			if cmd.Name() == "serve" {
				defaultLevel = "info"
			}
			return a.init(flags, defaultLevel)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.dir, "dir", "", "directory to read .gitrun and .env from (default: current directory)")
	pf.StringVar(&flags.server, "server", "", "execution gateway URL (or "+config.EnvServer+")")
	pf.StringVar(&flags.mode, "mode", "", "execution mode: gateway or piston (or "+config.EnvMode+")")
	pf.StringVar(&flags.history, "history", "", "history file or database path (or "+config.EnvHistory+")")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default: warn, info for serve)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newRunCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gitrun.Version)
		},
	}
}

// init loads configuration, applies flag overrides and opens the history.
func (a *app) init(flags globalFlags, defaultLevel string) error {
	dir := flags.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determining working directory: %w", err)
		}
		dir = wd
	}

	loaded, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config
	if flags.server != "" {
		cfg.Server = flags.server
	}
	if flags.mode != "" {
		cfg.Mode = flags.mode
	}
	if flags.history != "" {
		cfg.History.Path = flags.history
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if cfg.Mode != "" && cfg.Mode != config.ModeGateway && cfg.Mode != config.ModePiston {
		return fmt.Errorf("unknown mode %q (want %s or %s)", cfg.Mode, config.ModeGateway, config.ModePiston)
	}

	level := cfg.Log.Level
	if level == "" {
		level = defaultLevel
	}
	logger, err := logging.New(logging.ParseLevel(level), logging.Format(cfg.Log.Format))
	if err != nil {
		return err
	}
	if loaded.Path != "" {
		logger.Debug("config loaded", zap.String("path", loaded.Path))
	}

	store, closeStore, err := openHistory(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}

	a.cfg, a.logger, a.store, a.close = cfg, logger, store, closeStore
	return nil
}

// shutdown flushes the logger and closes the history backend.
func (a *app) shutdown() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.close != nil {
		return a.close()
	}
	return nil
}

// openHistory opens the configured history backend.
func openHistory(cfg *config.Config, logger *zap.Logger) (*history.Store, func() error, error) {
	path := cfg.HistoryPath()
	opts := []history.Option{
		history.WithCapacity(cfg.HistoryCapacity()),
		history.WithLogger(logger),
	}

	if cfg.HistoryBackend() == config.BackendSQLite {
		slot, err := history.OpenSQLiteSlot(path, history.DefaultSlotName)
		if err != nil {
			return nil, nil, fmt.Errorf("opening history database: %w", err)
		}
		return history.Open(slot, opts...), slot.Close, nil
	}
	return history.Open(history.NewFileSlot(path), opts...), func() error { return nil }, nil
}

// newManager builds the run manager for the configured execution mode.
func (a *app) newManager(timeoutOverride time.Duration) *run.Manager {
	timeout := a.cfg.Timeout()
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	return run.NewManager(
		remote.FromConfig(a.cfg, a.logger),
		a.store,
		run.WithLogger(a.logger),
		run.WithTimeout(timeout),
		run.WithMaxOutput(a.cfg.MaxOutputBytes()),
	)
}

// writeJSON is shared by the --json output modes.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
