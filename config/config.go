// Package config loads client and backend settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// SizeBytes is a byte count written as "5MiB", "512kB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalText(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil && i >= 0 {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Client configures the chat client.
type Client struct {
	APIURL            string        `env:"CHAT_API_URL" envDefault:"http://localhost:5000"`
	SocketURL         string        `env:"CHAT_SOCKET_URL"`
	CloudName         string        `env:"CHAT_CLOUD_NAME"`
	UploadPreset      string        `env:"CHAT_UPLOAD_PRESET"`
	DataDir           string        `env:"CHAT_DATA_DIR"`
	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"10"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"3s"`
	TypingDelay       time.Duration `env:"CHAT_TYPING_DELAY" envDefault:"2s"`
	MaxUpload         SizeBytes     `env:"CHAT_MAX_UPLOAD" envDefault:"5MiB"`
	LogLevel          string        `env:"CHAT_LOG_LEVEL" envDefault:"info"`
}

// Backend configures the development backend.
type Backend struct {
	Addr         string    `env:"CHAT_BACKEND_ADDR" envDefault:":5000"`
	DataDir      string    `env:"CHAT_BACKEND_DATA_DIR" envDefault:"./chat-data"`
	RelayServers []string  `env:"CHAT_RELAY_SERVERS" envSeparator:","`
	RelayName    string    `env:"CHAT_RELAY_NAME" envDefault:"portal-chat"`
	RelayKey     string    `env:"CHAT_RELAY_KEY"`
	FrameRate    float64   `env:"CHAT_FRAME_RATE" envDefault:"10"`
	FrameBurst   int       `env:"CHAT_FRAME_BURST" envDefault:"20"`
	MaxBody      SizeBytes `env:"CHAT_MAX_BODY" envDefault:"1MiB"`
	LogLevel     string    `env:"CHAT_LOG_LEVEL" envDefault:"info"`
}

// LoadClient reads the optional .env files and then the environment.
func LoadClient(files ...string) (Client, error) {
	loadDotenv(files)
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// LoadBackend reads the optional .env files and then the environment.
func LoadBackend(files ...string) (Backend, error) {
	loadDotenv(files)
	var cfg Backend
	if err := env.Parse(&cfg); err != nil {
		return Backend{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func loadDotenv(files []string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Missing files are fine; the environment alone is a valid setup.
		_ = godotenv.Load(f)
	}
}

func (c *Client) normalize() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.SocketURL == "" {
		ws, err := SocketURLFor(c.APIURL)
		if err != nil {
			return err
		}
		c.SocketURL = ws
	}
	if c.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		c.DataDir = filepath.Join(base, "portal-chat")
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	return nil
}

// SocketURLFor derives the realtime endpoint served next to the API.
func SocketURLFor(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse api url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
