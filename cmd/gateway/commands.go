package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"watink/cmd/internal/app"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-tenant messaging session gateway",
		Long:          "gateway runs messaging sessions on behalf of tenants, driven by commands\nfrom an AMQP bus, and publishes their events back to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway until SIGINT or SIGTERM (default)",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		newVersionCmd(),
		newAuthCmd(),
	)
	return root
}

func runServe(_ *cobra.Command, _ []string) error {
	return app.Run()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			b, err := json.Marshal(app.CurrentBuild(cfg.ServiceName))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

func newAuthCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Inspect and manage stored session credentials",
	}

	var sessionID int64
	wipe := &cobra.Command{
		Use:   "wipe",
		Short: "Delete all auth state of one session, forcing a new QR or pairing login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID <= 0 {
				return errors.New("--session must be a positive session id")
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

			n, err := app.WipeAuth(cmd.Context(), cfg, log, sessionID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %d: removed %d keys\n", sessionID, n)
			return err
		},
	}
	wipe.Flags().Int64Var(&sessionID, "session", 0, "session id to wipe")
	_ = wipe.MarkFlagRequired("session")

	auth.AddCommand(wipe)
	return auth
}
