// Command playcoach transcribes and analyses recorded parent-child coaching
// sessions.
//
// Usage:
//
//	playcoach serve    --config config.yaml
//	playcoach register --config config.yaml --user u1 --path sessions/u1/rec.wav
//	playcoach process  --config config.yaml <session-id>
//	playcoach reset    --config config.yaml <session-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/playcoach/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "playcoach: %v\n", err)
		return 1
	}
	return 0
}

// cli carries the state shared by all subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
	level      *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "playcoach",
		Short:         "Transcribe and analyse recorded coaching sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(c),
		newRegisterCmd(c),
		newProcessCmd(c),
		newResetCmd(c),
	)
	return root
}

// loadConfig reads the config file and installs the default logger.
func (c *cli) loadConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", c.configPath)
		}
		return err
	}
	c.cfg = cfg
	c.level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(c.level))
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
