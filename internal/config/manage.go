package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	if _, err := parseValue(s.typ, value); err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", typeName(s.typ), key, err)
	}
	if s.typ == kList {
		value = strings.Join(splitList(value), ",")
	}
	return b.Store(key, value)
}

// UnsetKey removes a config key from the platform backend so its default
// applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Unset(key)
}

func settable(key string) (keySpec, error) {
	s, ok := specFor(key)
	switch {
	case !ok:
		return s, fmt.Errorf("unknown config key: %q", key)
	case s.secret:
		return s, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	case s.readOnly:
		return s, fmt.Errorf("config key %q is read-only", key)
	}
	return s, nil
}

// ValidKeys returns the list of settable config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret && !s.readOnly {
			keys = append(keys, s.key)
		}
	}
	return keys
}
