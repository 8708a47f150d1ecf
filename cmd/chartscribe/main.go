// ABOUTME: Entry point for the chartscribe storage CLI
// ABOUTME: Wires config, logging, and the store behind cobra subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chartscribe/chartscribe/internal/config"
	"github.com/chartscribe/chartscribe/internal/lifecycle"
	"github.com/chartscribe/chartscribe/internal/store"
)

// version is overridden via ldflags on release builds.
var version = "dev"

var (
	flagConfig string
	flagDB     string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "chartscribe",
	Short:         "Local storage for clinical documentation",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if flagDB != "" {
			cfg.Database.Path = flagDB
		}
		logger = setupLogger(cfg.Logging)
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "override database path")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one exists, otherwise falls back to
// defaults. Priority: --config flag > CHARTSCRIBE_CONFIG env >
// XDG_CONFIG_HOME/chartscribe/config.yaml.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("CHARTSCRIBE_CONFIG")
	}
	if path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return config.Default(), nil
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		path = filepath.Join(configDir, "chartscribe", "config.yaml")
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// openStore opens the configured store inside a lifecycle registry so
// shutdown is a single explicit call, and returns both.
func openStore(ctx context.Context) (*store.Store, *lifecycle.Registry, error) {
	var s *store.Store
	registry := lifecycle.NewRegistry(logger)
	registry.Register(lifecycle.Func{
		ComponentName: "store",
		InitFn: func(ctx context.Context) error {
			var err error
			s, err = store.Open(cfg.Database.Path, store.Options{
				BusyTimeout:   cfg.Database.BusyTimeout,
				WarnThreshold: cfg.Database.WarnThreshold,
				Logger:        logger,
			})
			return err
		},
		CleanupFn: func(ctx context.Context) error {
			if s == nil {
				return nil
			}
			return s.Close()
		},
	})
	if err := registry.InitializeAll(ctx); err != nil {
		return nil, nil, err
	}
	return s, registry, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	fmt.Fprintln(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; attribute keys are unique enough for CLI output.
	return h
}
