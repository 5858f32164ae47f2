package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/playcoach/internal/app"
	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/sessionstore"
)

// withApp builds the application from the loaded config, calls fn and tears
// everything down again.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) (err error) {
	if c.cfg.Database.PostgresDSN == "" {
		slog.Warn("no database configured, the session will not outlive this command")
	}
	metrics := observe.DefaultMetrics()
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)
	providers, err := buildProviders(c.cfg, reg, metrics)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, providers.Close())
	}()

	application, err := app.New(ctx, c.cfg, providers.Providers, app.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, application.Shutdown(shutdownCtx))
	}()
	return fn(application)
}

func newRegisterCmd(c *cli) *cobra.Command {
	var ns sessionstore.NewSession
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a recorded session as PENDING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				sess, err := a.Store().Create(cmd.Context(), ns)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ns.ID, "id", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&ns.UserID, "user", "", "owning user id")
	cmd.Flags().StringVar(&ns.StoragePath, "path", "", "object key of the session audio")
	cmd.Flags().Float64Var(&ns.DurationSeconds, "duration", 0, "recording length in seconds (0 = unknown)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newProcessCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "process <session-id>",
		Short: "Process one PENDING session and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withApp(cmd.Context(), func(a *app.App) error {
				runErr := a.Orchestrator().Process(cmd.Context(), id)
				if errors.Is(runErr, sessionstore.ErrNotFound) || errors.Is(runErr, sessionstore.ErrStatusConflict) {
					return runErr
				}
				sess, err := a.Store().FindByID(context.WithoutCancel(cmd.Context()), id)
				if err != nil {
					return errors.Join(runErr, err)
				}
				if err := printSession(cmd, sess); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func newResetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Move a session back to PENDING and clear its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				sess, err := a.Orchestrator().Reset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printSession(cmd, sess)
			})
		},
	}
}

func printSession(cmd *cobra.Command, sess *sessionstore.Session) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
