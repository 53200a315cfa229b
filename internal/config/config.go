package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrInvalidCapacity    = errors.New("SESSION_CAPACITY must be > 0")
)

type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Redis   RedisConfig
	Session SessionConfig
	Backend BackendConfig
	Audit   AuditConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	AuditStream string
	AuditGroup  string
	AuditBlock  time.Duration
}

type SessionConfig struct {
	TTL           time.Duration
	Capacity      int
	SweepSpec     string
	ParentIDField string
}

type BackendConfig struct {
	Timeout time.Duration
}

type AuditConfig struct {
	Buffer       int
	ConsumerName string
	Retention    time.Duration
	PruneSpec    string
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/health"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:llmgate.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			AuditStream: mustEnv("AUDIT_STREAM", "llmgate:audit"),
			AuditGroup:  mustEnv("AUDIT_GROUP", "llmgate-audit"),
			AuditBlock:  mustDuration("AUDIT_BLOCK", 5*time.Second),
		},
		Session: SessionConfig{
			TTL:           mustDuration("SESSION_TTL", 30*time.Minute),
			Capacity:      mustInt("SESSION_CAPACITY", 1000),
			SweepSpec:     mustEnv("SESSION_SWEEP_SPEC", "@every 1m"),
			ParentIDField: mustEnv("SESSION_PARENT_ID_FIELD", "message_id"),
		},
		Backend: BackendConfig{
			Timeout: mustDuration("BACKEND_TIMEOUT", 60*time.Second),
		},
		Audit: AuditConfig{
			Buffer:       mustInt("AUDIT_BUFFER", 256),
			ConsumerName: mustEnv("AUDIT_CONSUMER_NAME", hostnameOr("gateway")),
			Retention:    mustDuration("AUDIT_RETENTION", 30*24*time.Hour),
			PruneSpec:    mustEnv("AUDIT_PRUNE_SPEC", "@daily"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Session.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
