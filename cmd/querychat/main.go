package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xaenox/querychat/internal/backend"
	"github.com/xaenox/querychat/internal/session"
	"github.com/xaenox/querychat/internal/storage"
	"github.com/xaenox/querychat/pkg/config"
	"go.uber.org/zap"
)

var (
	configPath string
	profile    string

	// Populated by rootCmd's PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
	store  storage.Storage
	client *backend.Client
	guard  *session.Guard
)

var rootCmd = &cobra.Command{
	Use:   "querychat",
	Short: "Command-line client for the QueryChat backend",
	Long: `querychat signs in to the QueryChat backend and sends queries from the terminal.

Sessions are stored per profile in the same directory the Telegram bot uses,
so signing out here also signs out a bot session sharing the profile.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		stdin = nil

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err = cfg.Log.Build()
		if err != nil {
			return err
		}

		store, err = storage.NewFileStorage(cfg.Storage.Dir, logger)
		if err != nil {
			return err
		}
		client, err = backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)
		if err != nil {
			return err
		}
		guard, err = session.New(cmd.Context(), profile, store, client, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "default", "session profile to use")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, statusCmd, askCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
