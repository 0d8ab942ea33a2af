// Package config resolves the server's configuration from, in ascending
// precedence: built-in defaults, an optional YAML overlay file, MCP_*
// environment variables (spec.md §6), and CLI flags.
//
// Grounded on the teacher's own env > cli > provider > global resolution
// order (_examples/viant-agently/internal/config/mcp/config.go) and its
// go-flags-based CLI entry point (cmd/agently/cli.go); the YAML overlay
// format matches the teacher's own agently/config.yaml convention.
package config

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of server tunables.
type Config struct {
	Host string
	Port int

	SessionTTL        time.Duration
	InvocationTimeout time.Duration
	MaxInflightSession int32
	MaxInflightGlobal  int

	Transport string // "http", "stdio", "both"

	RateLimitPerMinute int

	SessionBackend string // "memory" or "redis"
	RedisAddr      string

	NATSURL string

	LogLevel string

	JWTSecret string
}

// CLIFlags mirrors the subset of Config overridable from the command
// line, parsed with github.com/jessevdk/go-flags (the teacher's own CLI
// library).
type CLIFlags struct {
	ConfigFile string `short:"f" long:"config" description:"path to an optional YAML config overlay"`
	Host       string `long:"host" description:"bind address"`
	Port       int    `long:"port" description:"bind port"`
	Transport  string `long:"transport" description:"http|stdio|both"`
	LogLevel   string `long:"log-level" description:"logrus level"`
}

// Load resolves Config from defaults, an optional YAML file, environment
// variables and CLI flags, in that ascending precedence order.
func Load(args []string) (*Config, error) {
	var cli CLIFlags
	parser := flags.NewParser(&cli, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: failed to parse CLI flags: %w", err)
	}

	v := viper.New()
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("session_ttl_s", 3600)
	v.SetDefault("invocation_timeout_s", 30)
	v.SetDefault("max_inflight_per_session", 64)
	v.SetDefault("max_inflight_global", 1024)
	v.SetDefault("transport", "both")
	v.SetDefault("rate_limit_per_min", 600)
	v.SetDefault("session_backend", "memory")
	v.SetDefault("log_level", "info")

	if cli.ConfigFile != "" {
		v.SetConfigFile(cli.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", cli.ConfigFile, err)
		}
	}

	v.SetEnvPrefix("MCP")
	v.AutomaticEnv()
	bindEnv(v, "host", "HOST")
	bindEnv(v, "port", "PORT")
	bindEnv(v, "session_ttl_s", "SESSION_TTL_S")
	bindEnv(v, "invocation_timeout_s", "INVOCATION_TIMEOUT_S")
	bindEnv(v, "max_inflight_per_session", "MAX_INFLIGHT_PER_SESSION")
	bindEnv(v, "max_inflight_global", "MAX_INFLIGHT_GLOBAL")
	bindEnv(v, "transport", "TRANSPORT")
	bindEnv(v, "rate_limit_per_min", "RATE_LIMIT_PER_MIN")
	bindEnv(v, "session_backend", "SESSION_BACKEND")
	bindEnv(v, "redis_addr", "REDIS_ADDR")
	bindEnv(v, "nats_url", "NATS_URL")
	bindEnv(v, "log_level", "LOG_LEVEL")
	bindEnv(v, "jwt_secret", "JWT_SECRET")

	cfg := &Config{
		Host:                v.GetString("host"),
		Port:                v.GetInt("port"),
		SessionTTL:          time.Duration(v.GetInt("session_ttl_s")) * time.Second,
		InvocationTimeout:   time.Duration(v.GetInt("invocation_timeout_s")) * time.Second,
		MaxInflightSession:  int32(v.GetInt("max_inflight_per_session")),
		MaxInflightGlobal:   v.GetInt("max_inflight_global"),
		Transport:           v.GetString("transport"),
		RateLimitPerMinute:  v.GetInt("rate_limit_per_min"),
		SessionBackend:      v.GetString("session_backend"),
		RedisAddr:           v.GetString("redis_addr"),
		NATSURL:             v.GetString("nats_url"),
		LogLevel:            v.GetString("log_level"),
		JWTSecret:           v.GetString("jwt_secret"),
	}

	// CLI flags take precedence over everything else.
	if cli.Host != "" {
		cfg.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Port = cli.Port
	}
	if cli.Transport != "" {
		cfg.Transport = cli.Transport
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, "MCP_"+env)
}

// Validate rejects configurations that would leave the server unable to
// bind or operate sensibly — callers treat a Validate error as a
// configuration error (spec.md §6 exit code 2).
func (c *Config) Validate() error {
	switch c.Transport {
	case "http", "stdio", "both":
	default:
		return fmt.Errorf("config: invalid transport %q (want http|stdio|both)", c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.SessionBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid session backend %q (want memory|redis)", c.SessionBackend)
	}
	if c.SessionBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("config: session_backend=redis requires MCP_REDIS_ADDR")
	}
	return nil
}
