package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/portal-chat/config"
)

var rootCmd = &cobra.Command{
	Use:   "chat-backend",
	Short: "Development chat API and realtime hub",
	RunE:  runServer,
}

var (
	flagEnvFile   string
	flagAddr      string
	flagDataDir   string
	flagServerURL []string
	flagName      string
	flagCredKey   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "optional dotenv file")
	flags.StringVar(&flagAddr, "addr", "", "local listen address; \"-\" disables the local server (overrides CHAT_BACKEND_ADDR)")
	flags.StringVar(&flagDataDir, "data-dir", "", "pebble data directory (overrides CHAT_BACKEND_DATA_DIR)")
	flags.StringSliceVar(&flagServerURL, "server-url", nil, "relay server URL(s); repeat or comma-separated (overrides CHAT_RELAY_SERVERS)")
	flags.StringVar(&flagName, "name", "", "relay lease name (overrides CHAT_RELAY_NAME)")
	flags.StringVar(&flagCredKey, "cred-key", "", "relay credential private key, base64 encoded (overrides CHAT_RELAY_KEY)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat-backend command")
	}
}

func loadConfig(cmd *cobra.Command) (config.Backend, error) {
	cfg, err := config.LoadBackend(flagEnvFile)
	if err != nil {
		return config.Backend{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = flagAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if flags.Changed("server-url") {
		cfg.RelayServers = flagServerURL
	}
	if flags.Changed("name") {
		cfg.RelayName = flagName
	}
	if flags.Changed("cred-key") {
		cfg.RelayKey = flagCredKey
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("[chat-backend] close store")
		}
	}()

	m := newMetrics()
	h := newHub(st, m, cfg.FrameRate, cfg.FrameBurst)
	router := newRouter(&api{store: st, hub: h, metrics: m, maxBody: cfg.MaxBody.Int64()})

	ln, client, err := relayListener(cfg)
	if err != nil {
		return err
	}
	if ln != nil {
		go func() {
			if err := http.Serve(ln, router); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				log.Error().Err(err).Msg("[chat-backend] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if addr := strings.TrimSpace(cfg.Addr); addr != "" && addr != "-" {
		httpSrv = &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Str("addr", addr).Msg("[chat-backend] serving locally")
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[chat-backend] local http stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	if ln != nil {
		_ = ln.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[chat-backend] http server shutdown error")
		}
	}
	h.closeAll()
	h.wait()
	log.Info().Msg("[chat-backend] shutdown complete")
	return nil
}

// relayListener registers the backend with the portal relays. It returns a
// nil listener when no relay is configured.
func relayListener(cfg config.Backend) (net.Listener, *sdk.RDClient, error) {
	servers := make([]string, 0, len(cfg.RelayServers))
	for _, raw := range cfg.RelayServers {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			servers = append(servers, trimmed)
		}
	}
	if len(servers) == 0 {
		log.Info().Msg("[chat-backend] relay disabled; running local mode only")
		return nil, nil, nil
	}

	cred := sdk.NewCredential()
	if cfg.RelayKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.RelayKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}

	c, err := sdk.NewClient(func(c *sdk.RDClientConfig) {
		c.BootstrapServers = servers
	})
	if err != nil {
		return nil, nil, fmt.Errorf("new client: %w", err)
	}
	ln, err := c.Listen(cred, cfg.RelayName, []string{"http/1.1"})
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	log.Info().Str("name", cfg.RelayName).Msg("[chat-backend] relay listener enabled")
	return ln, c, nil
}
