package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, loaded from YAML and
// overlaid with CAPSULED_* environment variables; explicit command-line
// flags win over both.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type StorageConfig struct {
	// Backend selects the keyed-store backend: "pebble" or "memory".
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"db_path"`
}

// UploadConfig holds the chunked-upload policy constants. The original
// host environment hard-wired these limits; here they are configurable
// policy with the same defaults.
type UploadConfig struct {
	ChunkSize        SizeBytes `yaml:"chunk_size"`
	MaxChunks        uint32    `yaml:"max_chunks"`
	MaxPendingPerKey int       `yaml:"max_pending_per_key"`
	SessionTTL       Duration  `yaml:"session_ttl"`
	// InlineMaxBytes is the largest payload accepted as an inline
	// memory without going through the chunk protocol.
	InlineMaxBytes SizeBytes `yaml:"inline_max_bytes"`
}

type SecurityConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys []string `yaml:"api_keys"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RetentionConfig controls the scheduled durable-store sweep that
// compacts terminal session records and orphaned blobs.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// TerminalAge is how long a Committed/Aborted session record is
	// kept for finish()-retry idempotency before the sweep removes it.
	TerminalAge Duration `yaml:"terminal_age"`
}

// Defaults mirror the limits of the original resource-constrained host.
const (
	DefaultChunkSize        = 1 << 20 // 1 MiB
	DefaultMaxChunks        = 16384
	DefaultMaxPendingPerKey = 100
	DefaultSessionTTL       = 2 * time.Hour
	DefaultInlineMaxBytes   = 32 << 10
	DefaultTerminalAge      = 24 * time.Hour
)

// ApplyDefaults fills zero values with the standard policy constants.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "pebble"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./.capsuled"
	}
	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = DefaultChunkSize
	}
	if c.Upload.MaxChunks == 0 {
		c.Upload.MaxChunks = DefaultMaxChunks
	}
	if c.Upload.MaxPendingPerKey == 0 {
		c.Upload.MaxPendingPerKey = DefaultMaxPendingPerKey
	}
	if c.Upload.SessionTTL == 0 {
		c.Upload.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.Upload.InlineMaxBytes == 0 {
		c.Upload.InlineMaxBytes = DefaultInlineMaxBytes
	}
	if c.Retention.TerminalAge == 0 {
		c.Retention.TerminalAge = Duration(DefaultTerminalAge)
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 2 * * *"
	}
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overlays CAPSULED_* environment variables onto cfg and
// reports whether any were used.
func ApplyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("CAPSULED_ADDR"); v != "" {
		if host, port, ok := splitHostPort(v); ok {
			cfg.Server.Address = host
			cfg.Server.Port = port
			used = true
		}
	}
	if v := os.Getenv("CAPSULED_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
		used = true
	}
	if v := os.Getenv("CAPSULED_BACKEND"); v != "" {
		cfg.Storage.Backend = v
		used = true
	}
	if v := os.Getenv("CAPSULED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		used = true
	}
	if v := os.Getenv("CAPSULED_API_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Security.APIKeys = append(cfg.Security.APIKeys, k)
			}
		}
		used = true
	}
	if v := os.Getenv("CAPSULED_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upload.SessionTTL = Duration(d)
			used = true
		}
	}
	return used
}

func splitHostPort(v string) (string, int, bool) {
	i := strings.LastIndexByte(v, ':')
	if i < 0 {
		return "", 0, false
	}
	p, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return "", 0, false
	}
	return v[:i], p, true
}

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags parses command-line flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.capsuled", "store path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// LoadEffective merges config file, env and flags (flags win) into the
// final config. A missing config file is not an error.
func LoadEffective(fl Flags) (*Config, error) {
	cfg, err := Load(fl.Config)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
	}
	ApplyEnv(cfg)
	if fl.Set["addr"] {
		if host, port, ok := splitHostPort(fl.Addr); ok {
			cfg.Server.Address = host
			cfg.Server.Port = port
		}
	}
	if fl.Set["db"] {
		cfg.Storage.DBPath = fl.DB
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
