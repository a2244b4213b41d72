package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/backend"
	"github.com/gosuda/portal-chat/config"
	"github.com/gosuda/portal-chat/credstore"
)

var rootCmd = &cobra.Command{
	Use:               "chat-client",
	Short:             "Terminal client for rooms and direct conversations",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	flagEnvFile   string
	flagAPIURL    string
	flagSocketURL string
	flagDataDir   string
	flagLogLevel  string

	cfg config.Client
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "optional dotenv file")
	flags.StringVar(&flagAPIURL, "api-url", "", "REST API origin (overrides CHAT_API_URL)")
	flags.StringVar(&flagSocketURL, "socket-url", "", "realtime endpoint (overrides CHAT_SOCKET_URL)")
	flags.StringVar(&flagDataDir, "data-dir", "", "credential store directory (overrides CHAT_DATA_DIR)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides CHAT_LOG_LEVEL)")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, wakeCmd, roomsCmd, usersCmd, createRoomCmd, openCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("execute chat-client command")
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.LoadClient(flagEnvFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		loaded.APIURL = flagAPIURL
		if !flags.Changed("socket-url") {
			loaded.SocketURL = ""
		}
	}
	if flags.Changed("socket-url") {
		loaded.SocketURL = flagSocketURL
	}
	if flags.Changed("data-dir") {
		loaded.DataDir = flagDataDir
	}
	if flags.Changed("log-level") {
		loaded.LogLevel = flagLogLevel
	}
	if loaded.SocketURL == "" {
		if loaded.SocketURL, err = config.SocketURLFor(loaded.APIURL); err != nil {
			return err
		}
	}
	cfg = loaded

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// openStore opens the credential store and an API client that reads its
// token from it. The caller closes the store.
func openStore() (*credstore.Store, *backend.Client, error) {
	store, err := credstore.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	api, err := backend.New(cfg.APIURL, store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, api, nil
}
