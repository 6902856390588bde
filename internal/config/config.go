package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	User    UserConfig
	Storage StorageConfig
	Lock    LockConfig
	Catalog CatalogConfig
	Engine  EngineConfig
	Retry   RetryConfig
	Log     LogConfig
	Lockd   LockdConfig
}

type ServerConfig struct {
	Port int
}

type UserConfig struct {
	ID string
}

type StorageConfig struct {
	DataDir       string
	EncryptionKey string
}

type LockConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// CatalogConfig selects where billets come from. Source is "http" (Path is
// the base URL, defaulting to the lock service), "file" (Path is a YAML seed
// file) or "store" (billets already saved in the local database).
type CatalogConfig struct {
	Source   string
	Path     string
	PageSize int
	TTL      time.Duration
}

type EngineConfig struct {
	AcquiringVerbs []string
	MaxSlate       int
}

type RetryConfig struct {
	MaxAttempts int
}

type LogConfig struct {
	Level string
}

type LockdConfig struct {
	Port         int
	ConflictRate float64
	Latency      time.Duration
	Catalog      string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		User:    UserConfig{ID: "local"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Lock: LockConfig{
			BaseURL: "http://127.0.0.1:4200",
			Timeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			Source:   "http",
			PageSize: 100,
			TTL:      15 * time.Minute,
		},
		Engine: EngineConfig{
			AcquiringVerbs: []string{"save", "slate"},
			MaxSlate:       7,
		},
		Retry: RetryConfig{MaxAttempts: 5},
		Log:   LogConfig{Level: "info"},
		Lockd: LockdConfig{Port: 4200},
	}
}

// Load reads configuration from the platform-native backend, a .env file,
// environment variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.compass.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/compass/config.json
// and secrets fall back to $XDG_DATA_HOME/compass/secrets.json.
//
// Environment variables (COMPASS_*) override backend values on all platforms.
// A .env file in the working directory (or at $COMPASS_ENV_FILE) supplies
// variables that are not already set.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), envFilePath())
}

func envFilePath() string {
	if p := os.Getenv("COMPASS_ENV_FILE"); p != "" {
		return p
	}
	return ".env"
}

func loadWith(b ConfigBackend, kc Keychain, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	// Try platform keychain for the storage key if still empty.
	if cfg.Storage.EncryptionKey == "" {
		if key, err := kc.Get(keychainService, encryptionKeyAccount); err == nil && key != "" {
			cfg.Storage.EncryptionKey = key
		}
	}

	return cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vars, nil
}

// RequireEncryptionKey reports a descriptive error when no storage key is
// configured anywhere.
func (c Config) RequireEncryptionKey() error {
	if c.Storage.EncryptionKey != "" {
		return nil
	}
	return fmt.Errorf("%s", "missing required config: storage encryption key. "+
		"Run `compass keygen` or set COMPASS_STORAGE_ENCRYPTION_KEY"+encryptionKeyHint())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
