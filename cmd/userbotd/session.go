package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"userbotd/internal/config"
	"userbotd/internal/userbot/manager"
	"userbotd/internal/userbot/session"
	logx "userbotd/pkg/logx"
)

func newSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "session <token> <api_id> <api_hash>",
		Short:  "Run one userbot session (started by the supervisor)",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("api_id: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			env, err := config.LoadChildEnv(ctx, nil)
			if err != nil {
				return err
			}
			log := logx.NewWriter(os.Stderr, env.LogLevel, env.LogFormat).With(logx.String("comp", "session"))

			creds := session.Credentials{Token: args[0], APIID: apiID, APIHash: args[2]}
			err = session.Run(ctx, creds, env, log, os.Stdout)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				return nil
			case session.IsPermanent(err):
				log.Error("session is no longer valid", logx.Err(err))
				os.Exit(manager.ExitInvalidSession)
			}
			log.Error("session failed", logx.Err(err))
			return err
		},
	}
}
