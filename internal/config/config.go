// Package config loads per-service settings. Precedence is flags over
// CHIRP_* environment variables over built-in defaults; a .env file, when
// present, feeds the environment before parsing.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Gateway holds the gateway service configuration. A zero WSPort resolves
// to the TCP port plus one; a negative value disables the listener.
type Gateway struct {
	Port        int    `env:"CHIRP_PORT" envDefault:"5000"`
	WSPort      int    `env:"CHIRP_WS_PORT" envDefault:"0"`
	AuthHost    string `env:"CHIRP_AUTH_HOST"`
	AuthPort    int    `env:"CHIRP_AUTH_PORT" envDefault:"6000"`
	RedisHost   string `env:"CHIRP_REDIS_HOST"`
	RedisPort   int    `env:"CHIRP_REDIS_PORT" envDefault:"6379"`
	RedisTTL    int    `env:"CHIRP_REDIS_TTL" envDefault:"3600"`
	InstanceID  string `env:"CHIRP_INSTANCE_ID"`
	MetricsAddr string `env:"CHIRP_METRICS_ADDR"`
	Debug       bool   `env:"CHIRP_DEBUG"`
}

// Auth holds the auth service configuration.
type Auth struct {
	Port        int    `env:"CHIRP_PORT" envDefault:"6000"`
	JWTSecret   string `env:"CHIRP_JWT_SECRET"`
	MetricsAddr string `env:"CHIRP_METRICS_ADDR"`
	Debug       bool   `env:"CHIRP_DEBUG"`
}

// Chat holds the chat service configuration. WSPort resolves like the
// gateway's: zero derives TCP port plus one, negative disables.
type Chat struct {
	Port        int    `env:"CHIRP_PORT" envDefault:"7000"`
	WSPort      int    `env:"CHIRP_WS_PORT" envDefault:"0"`
	MetricsAddr string `env:"CHIRP_METRICS_ADDR"`
	Debug       bool   `env:"CHIRP_DEBUG"`
}

// randomInstanceID mints an 8-byte hex instance id for gateways started
// without an explicit one.
func randomInstanceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("inst-%d", os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func loadEnv(cfg any) error {
	// Missing .env is the normal case.
	_ = godotenv.Load()
	return env.Parse(cfg)
}

// LoadGateway parses gateway configuration from env and args.
func LoadGateway(args []string) (Gateway, error) {
	var cfg Gateway
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("chirp-gateway", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP listen port")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "TCP listen port (shorthand)")
	fs.IntVar(&cfg.WSPort, "ws_port", cfg.WSPort, "WebSocket listen port (0: tcp port+1, negative disables)")
	fs.StringVar(&cfg.AuthHost, "auth_host", cfg.AuthHost, "auth service host (empty: scaffolding login)")
	fs.IntVar(&cfg.AuthPort, "auth_port", cfg.AuthPort, "auth service port")
	fs.StringVar(&cfg.RedisHost, "redis_host", cfg.RedisHost, "redis host (empty: single-instance mode)")
	fs.IntVar(&cfg.RedisPort, "redis_port", cfg.RedisPort, "redis port")
	fs.IntVar(&cfg.RedisTTL, "redis_ttl", cfg.RedisTTL, "session lease TTL seconds")
	fs.StringVar(&cfg.InstanceID, "instance_id", cfg.InstanceID, "gateway instance id")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "prometheus listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.WSPort == 0 {
		cfg.WSPort = cfg.Port + 1
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = randomInstanceID()
	}
	return cfg, nil
}

// LoadAuth parses auth service configuration from env and args.
func LoadAuth(args []string) (Auth, error) {
	var cfg Auth
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("chirp-auth", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP listen port")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "TCP listen port (shorthand)")
	fs.StringVar(&cfg.JWTSecret, "jwt_secret", cfg.JWTSecret, "HS256 secret for JWT tokens")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "prometheus listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	return cfg, fs.Parse(args)
}

// LoadChat parses chat service configuration from env and args.
func LoadChat(args []string) (Chat, error) {
	var cfg Chat
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("chirp-chat", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP listen port")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "TCP listen port (shorthand)")
	fs.IntVar(&cfg.WSPort, "ws_port", cfg.WSPort, "WebSocket listen port (0: tcp port+1, negative disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "prometheus listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = cfg.Port + 1
	}
	return cfg, nil
}
