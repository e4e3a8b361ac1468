package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "chatquotad",
		Short:         "Anonymous free-tier chat with daily quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; config can come from the real environment.
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading config")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newUsageCmd())

	return root
}
