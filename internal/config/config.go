// Package config loads the runtime configuration from a YAML file
// layered under environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"servcore/internal/dnscache"
	"servcore/internal/pool"
	apperrors "servcore/pkg/errors"
)

// PoolConfig is the YAML shape of one pool section.
type PoolConfig struct {
	MaxConnections int    `yaml:"maxconnections" validate:"omitempty,min=1"`
	MinThreads     int    `yaml:"minthreads" validate:"omitempty,min=1"`
	MaxThreads     int    `yaml:"maxthreads" validate:"omitempty,min=1"`
	ConnsPerThread int    `yaml:"connsperthread" validate:"omitempty,min=0"`
	ThreadTimeout  string `yaml:"threadtimeout"`
	RejectOverrun  bool   `yaml:"rejectoverrun"`
	RetryAfter     string `yaml:"retryafter"`
	HighWatermark  int    `yaml:"highwatermark" validate:"omitempty,min=0,max=100"`
	LowWatermark   int    `yaml:"lowwatermark" validate:"omitempty,min=0,max=100"`
	ConnRateLimit  string `yaml:"connectionratelimit"` // bytes/sec, human units
	PoolRateLimit  string `yaml:"poolratelimit"`
}

// DNSConfig is the YAML shape of the DNS cache section.
type DNSConfig struct {
	Cache       bool   `yaml:"dnscache"`
	MaxSize     string `yaml:"dnscachemaxsize"`
	WaitTimeout string `yaml:"dnswaittimeout"`
	CacheTTL    string `yaml:"dnscachetimeout"`
}

// ServerConfig is the YAML shape of one server section.
type ServerConfig struct {
	Realm              string                `yaml:"realm"`
	CheckModifiedSince bool                  `yaml:"checkmodifiedsince"`
	StealthMode        bool                  `yaml:"stealthmode"`
	ServerDir          string                `yaml:"serverdir"`
	LogDir             string                `yaml:"logdir"`
	ErrorMinSize       int                   `yaml:"errorminsize" validate:"omitempty,min=0"`
	FilterRWLocks      bool                  `yaml:"filterrwlocks"`
	HeaderCase         string                `yaml:"headercase" validate:"omitempty,oneof=preserve tolower toupper"`
	ExtraHeaders       map[string]string     `yaml:"extraheaders"`
	EnableCORS         bool                  `yaml:"enablecors"`
	CompressEnable     bool                  `yaml:"compressenable"`
	CompressLevel      int                   `yaml:"compresslevel" validate:"omitempty,min=1,max=9"`
	CompressMinSize    string                `yaml:"compressminsize"`
	SharedVarBuckets   int                   `yaml:"nsvbuckets" validate:"omitempty,min=1"`
	RedirectLimit      int                   `yaml:"redirectlimit" validate:"omitempty,min=1"`
	MimeTypes          map[string]string     `yaml:"mimetypes"`
	DNS                DNSConfig             `yaml:",inline"`
	Pools              map[string]PoolConfig `yaml:"pools"`
}

// Config is the full runtime configuration.
type Config struct {
	ServerName  string       `yaml:"servername" validate:"required"`
	Version     string       `yaml:"version"`
	Address     string       `yaml:"address"`
	LogLevel    string       `yaml:"loglevel" validate:"omitempty,oneof=debug info warn error"`
	Environment string       `yaml:"environment"`
	Server      ServerConfig `yaml:"server"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ServerName:  "servcore",
		Version:     "1.0",
		Address:     ":8080",
		LogLevel:    "info",
		Environment: "development",
		Server: ServerConfig{
			Realm:         "servcore",
			ErrorMinSize:  512,
			CompressLevel: 6,
		},
	}
}

// Load reads the configuration file (when path is non-empty), overlays
// environment variables and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, apperrors.Wrap(err, "config: read "+path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, apperrors.Wrap(err, "config: parse "+path)
		}
	}

	// Environment variables override the file.
	cfg.ServerName = getEnv("SERVER_NAME", cfg.ServerName)
	cfg.Address = getEnv("SERVER_ADDRESS", cfg.Address)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.Server.Realm = getEnv("SERVER_REALM", cfg.Server.Realm)
	cfg.Server.StealthMode = getEnvBool("STEALTH_MODE", cfg.Server.StealthMode)
	cfg.Server.CompressEnable = getEnvBool("COMPRESS_ENABLE", cfg.Server.CompressEnable)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.Wrap(err, "config: validation failed")
	}
	for name, p := range c.Server.Pools {
		if p.MinThreads > 0 && p.MaxThreads > 0 && p.MinThreads > p.MaxThreads {
			return apperrors.NewBadRequest("config: pool " + name + ": minthreads exceeds maxthreads")
		}
		if p.LowWatermark > 0 && p.HighWatermark > 0 && p.LowWatermark > p.HighWatermark {
			return apperrors.NewBadRequest("config: pool " + name + ": lowwatermark exceeds highwatermark")
		}
	}
	return nil
}

// PoolConfigs converts the YAML pool sections into runtime settings.
func (c *Config) PoolConfigs() map[string]pool.Config {
	out := make(map[string]pool.Config)
	if len(c.Server.Pools) == 0 {
		out[""] = pool.DefaultConfig()
		return out
	}
	for prefix, pc := range c.Server.Pools {
		cfg := pool.DefaultConfig()
		if pc.MaxConnections > 0 {
			cfg.MaxConnections = pc.MaxConnections
		}
		if pc.MinThreads > 0 {
			cfg.MinThreads = pc.MinThreads
		}
		if pc.MaxThreads > 0 {
			cfg.MaxThreads = pc.MaxThreads
		}
		cfg.ConnsPerThread = pc.ConnsPerThread
		cfg.RejectOverrun = pc.RejectOverrun
		if d := parseDuration(pc.ThreadTimeout); d > 0 {
			cfg.ThreadTimeout = d
		}
		if d := parseDuration(pc.RetryAfter); d > 0 {
			cfg.RetryAfter = d
		}
		if pc.HighWatermark > 0 {
			cfg.HighWatermark = pc.HighWatermark
		}
		if pc.LowWatermark > 0 {
			cfg.LowWatermark = pc.LowWatermark
		}
		cfg.ConnRateLimit = parseSize(pc.ConnRateLimit)
		cfg.PoolRateLimit = parseSize(pc.PoolRateLimit)
		out[prefix] = cfg
	}
	return out
}

// DNSConfigRuntime converts the DNS section.
func (c *Config) DNSConfigRuntime() dnscache.Config {
	cfg := dnscache.DefaultConfig()
	cfg.Enabled = c.Server.DNS.Cache
	if n := parseSize(c.Server.DNS.MaxSize); n > 0 {
		cfg.MaxSize = n
	}
	if d := parseDuration(c.Server.DNS.WaitTimeout); d > 0 {
		cfg.WaitTimeout = d
	}
	if d := parseDuration(c.Server.DNS.CacheTTL); d > 0 {
		cfg.TTL = d
	}
	return cfg
}

// CompressMinSizeBytes returns the compression threshold in bytes.
func (c *Config) CompressMinSizeBytes() int {
	if n := parseSize(c.Server.CompressMinSize); n > 0 {
		return int(n)
	}
	return 512
}

// parseSize accepts human byte units ("512KB", "10MB") and plain
// numbers.
func parseSize(s string) int64 {
	if s == "" {
		return 0
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err == nil {
		return int64(v.Bytes())
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return 0
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	// Plain numbers are seconds.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
