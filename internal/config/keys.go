package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	readOnly bool
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COMPASS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "user.id", typ: kString, env: "COMPASS_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.User.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.User.ID },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMPASS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.encryption_key", typ: kString, env: "COMPASS_STORAGE_ENCRYPTION_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.EncryptionKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.EncryptionKey },
	},
	{
		key: "lock.base_url", typ: kString, env: "COMPASS_LOCK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Lock.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.BaseURL },
	},
	{
		key: "lock.token", typ: kString, env: "COMPASS_LOCK_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Lock.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.Token },
	},
	{
		key: "lock.timeout", typ: kDuration, env: "COMPASS_LOCK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Lock.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lock.Timeout },
	},
	{
		key: "catalog.source", typ: kString, env: "COMPASS_CATALOG_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Catalog.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.Source },
	},
	{
		key: "catalog.path", typ: kString, env: "COMPASS_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Catalog.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.Path },
	},
	{
		key: "catalog.page_size", typ: kInt, env: "COMPASS_CATALOG_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Catalog.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Catalog.PageSize },
	},
	{
		key: "catalog.ttl", typ: kDuration, env: "COMPASS_CATALOG_TTL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Catalog.TTL },
	},
	{
		key: "engine.acquiring_verbs", typ: kList, env: "COMPASS_ENGINE_ACQUIRING_VERBS",
		apply:   func(cfg *Config, v any) { cfg.Engine.AcquiringVerbs = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Engine.AcquiringVerbs, ",") },
	},
	{
		key: "engine.max_slate", typ: kInt, readOnly: true,
		apply:   func(cfg *Config, v any) {},
		extract: func(cfg Config) any { return cfg.Engine.MaxSlate },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "COMPASS_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "log.level", typ: kString, env: "COMPASS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "lockd.port", typ: kInt, env: "COMPASS_LOCKD_PORT",
		apply:   func(cfg *Config, v any) { cfg.Lockd.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Lockd.Port },
	},
	{
		key: "lockd.conflict_rate", typ: kFloat, env: "COMPASS_LOCKD_CONFLICT_RATE",
		apply:   func(cfg *Config, v any) { cfg.Lockd.ConflictRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Lockd.ConflictRate },
	},
	{
		key: "lockd.latency", typ: kDuration, env: "COMPASS_LOCKD_LATENCY",
		apply:   func(cfg *Config, v any) { cfg.Lockd.Latency = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lockd.Latency },
	},
	{
		key: "lockd.catalog", typ: kString, env: "COMPASS_LOCKD_CATALOG",
		apply:   func(cfg *Config, v any) { cfg.Lockd.Catalog = v.(string) },
		extract: func(cfg Config) any { return cfg.Lockd.Catalog },
	},
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

// specFor returns the table entry for key.
func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret || s.readOnly {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
