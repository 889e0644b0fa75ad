// Package config assembles service settings from defaults, an optional TOML
// file named by CONFIG_FILE and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const envConfigFile = "CONFIG_FILE"

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendTable  = "table"
	BackendMySQL  = "mysql"
)

// Auth modes.
const (
	AuthNone  = "none"
	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"
)

type Config struct {
	ListenAddr string       `toml:"listen_addr"`
	Debug      bool         `toml:"debug"`
	Registry   string       `toml:"registry"`
	Ledger     LedgerConfig `toml:"ledger"`
	Azure      AzureConfig  `toml:"azure"`
	MySQL      MySQLConfig  `toml:"mysql"`
	Redis      RedisConfig  `toml:"redis"`
	Auth       AuthConfig   `toml:"auth"`
	Notify     NotifyConfig `toml:"notify"`
}

type LedgerConfig struct {
	Backend   string `toml:"backend"`
	Dir       string `toml:"dir"`
	SegmentMB int    `toml:"segment_mb"`
	SyncEvery int    `toml:"sync_every"`
	// LeaseTTL bounds how long a crashed owner blocks another instance from
	// taking over a shared table or MySQL registry.
	LeaseTTL time.Duration `toml:"lease_ttl"`
}

type AzureConfig struct {
	ConnectionString string `toml:"connection_string"`
	TodosTable       string `toml:"todos_table"`
	EventsQueue      string `toml:"events_queue"`
}

type MySQLConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	URL            string        `toml:"url"`
	Channel        string        `toml:"channel"`
	IdempotencyTTL time.Duration `toml:"idempotency_ttl"`
	PendingTTL     time.Duration `toml:"pending_ttl"`
}

type AuthConfig struct {
	Mode         string        `toml:"mode"`
	Secret       string        `toml:"secret"`
	Domain       string        `toml:"domain"`
	Audience     string        `toml:"audience"`
	JWKSCacheTTL time.Duration `toml:"jwks_cache_ttl"`
}

type NotifyConfig struct {
	Workers        int           `toml:"workers"`
	Buffer         int           `toml:"buffer"`
	HandoffTimeout time.Duration `toml:"handoff_timeout"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Registry:   "default",
		Ledger: LedgerConfig{
			Backend:   BackendMemory,
			Dir:       filepath.Join(os.TempDir(), "todo-ledger"),
			SegmentMB: 64,
			SyncEvery: 1,
			LeaseTTL:  30 * time.Second,
		},
		Azure: AzureConfig{TodosTable: "todos"},
		Redis: RedisConfig{
			Channel:        "todo-events",
			IdempotencyTTL: 24 * time.Hour,
			PendingTTL:     time.Minute,
		},
		Auth: AuthConfig{
			Mode:         AuthNone,
			JWKSCacheTTL: 15 * time.Minute,
		},
		Notify: NotifyConfig{
			Workers:        4,
			Buffer:         1024,
			HandoffTimeout: 15 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the
// environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	if v, ok := os.LookupEnv("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DEBUG: %w", err))
		} else {
			c.Debug = b
		}
	}
	str("REGISTRY_NAME", &c.Registry)

	str("LEDGER_BACKEND", &c.Ledger.Backend)
	str("LEDGER_DIR", &c.Ledger.Dir)
	integer("LEDGER_SEGMENT_MB", &c.Ledger.SegmentMB)
	integer("LEDGER_SYNC_EVERY", &c.Ledger.SyncEvery)
	duration("LEDGER_LEASE_TTL", &c.Ledger.LeaseTTL)

	str("STORAGE_CONNECTION_STRING", &c.Azure.ConnectionString)
	str("TODOS_TABLE", &c.Azure.TodosTable)
	str("TODO_EVENTS_QUEUE", &c.Azure.EventsQueue)

	str("MYSQL_DSN", &c.MySQL.DSN)

	str("REDIS_CONNECTION_STRING", &c.Redis.URL)
	str("TODO_EVENTS_CHANNEL", &c.Redis.Channel)
	duration("DEDUPER_TTL", &c.Redis.IdempotencyTTL)
	duration("DEDUPER_PENDING_TTL", &c.Redis.PendingTTL)

	str("LOCAL_AUTH_MODE", &c.Auth.Mode)
	str("LOCAL_AUTH_SHARED_SECRET", &c.Auth.Secret)
	str("AUTH0_DOMAIN", &c.Auth.Domain)
	str("AUTH0_AUDIENCE", &c.Auth.Audience)
	duration("JWKS_CACHE_TTL", &c.Auth.JWKSCacheTTL)

	integer("NOTIFY_WORKERS", &c.Notify.Workers)
	integer("NOTIFY_BUFFER", &c.Notify.Buffer)
	duration("NOTIFY_HANDOFF_TIMEOUT", &c.Notify.HandoffTimeout)

	return errors.Join(errs...)
}

// Validate reports every invalid or missing setting.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.Registry == "" {
		errs = append(errs, errors.New("registry must not be empty"))
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Ledger.Dir == "" {
			errs = append(errs, errors.New("ledger.dir is required for the file backend"))
		}
		if c.Ledger.SegmentMB <= 0 {
			errs = append(errs, errors.New("ledger.segment_mb must be greater than zero"))
		}
		if c.Ledger.SyncEvery < 0 {
			errs = append(errs, errors.New("ledger.sync_every must not be negative"))
		}
	case BackendTable:
		if c.Azure.ConnectionString == "" || c.Azure.TodosTable == "" {
			errs = append(errs, errors.New("azure.connection_string and azure.todos_table are required for the table backend"))
		}
		if c.Ledger.LeaseTTL < 3*time.Second {
			errs = append(errs, errors.New("ledger.lease_ttl must be at least 3s"))
		}
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			errs = append(errs, errors.New("mysql.dsn is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ledger backend %q", c.Ledger.Backend))
	}

	if c.Azure.EventsQueue != "" && c.Azure.ConnectionString == "" {
		errs = append(errs, errors.New("azure.connection_string is required for azure.events_queue"))
	}
	if c.Redis.URL != "" && c.Redis.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("redis.idempotency_ttl must be greater than zero"))
	}
	if c.Redis.URL != "" && (c.Redis.PendingTTL <= 0 || c.Redis.PendingTTL > c.Redis.IdempotencyTTL) {
		errs = append(errs, errors.New("redis.pending_ttl must be greater than zero and at most redis.idempotency_ttl"))
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthHS256:
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required for hs256"))
		}
	case AuthJWKS:
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			errs = append(errs, errors.New("auth.domain and auth.audience are required for jwks"))
		}
		if c.Auth.JWKSCacheTTL < 0 {
			errs = append(errs, errors.New("auth.jwks_cache_ttl must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported auth mode %q", c.Auth.Mode))
	}

	if c.Notify.Workers <= 0 {
		errs = append(errs, errors.New("notify.workers must be greater than zero"))
	}
	if c.Notify.Buffer <= 0 {
		errs = append(errs, errors.New("notify.buffer must be greater than zero"))
	}
	if c.Notify.HandoffTimeout < 0 {
		errs = append(errs, errors.New("notify.handoff_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// SegmentBytes is the journal segment size in bytes.
func (c LedgerConfig) SegmentBytes() int64 {
	return int64(c.SegmentMB) << 20
}
