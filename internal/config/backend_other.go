//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// xdgPath resolves name under $env/compass, falling back to ~/fallback/compass.
func xdgPath(env, fallback, name string) string {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("compass-data", name)
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(dir, "compass", name)
}

func defaultDataDir() string {
	return filepath.Dir(xdgPath("XDG_DATA_HOME", ".local/share", "compass.db"))
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

func encryptionKeyHint() string {
	return fmt.Sprintf(" or add %q to %s", encryptionKeyAccount, secretsFilePath())
}

// fileBackend keeps the settable keys in config.json. Integers and floats are
// stored as JSON numbers and lists as arrays, so the file reads naturally
// when edited by hand.
type fileBackend struct {
	path string
	data map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]json.RawMessage)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}
	for key := range b.data {
		if _, ok := specFor(key); !ok {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring unknown key %q in %s\n", key, b.path)
		}
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	msg, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return "", true, fmt.Errorf("decoding %s: %w", key, err)
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ","), true, nil
	case nil:
		return "", false, nil
	default:
		return "", true, fmt.Errorf("unsupported value for %s: %s", key, msg)
	}
}

func (b *fileBackend) Store(key, raw string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	v, err := parseValue(s.typ, raw)
	if err != nil {
		return err
	}
	if s.typ == kDuration {
		v = raw
	}
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.data[key] = msg
	return b.save()
}

func (b *fileBackend) Unset(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}
