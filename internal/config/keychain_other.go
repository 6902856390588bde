//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "secrets.json")
}

// secretsFile is the 0600 stand-in for a keychain: one flat object mapping
// accounts of the compass service to their values.
type secretsFile map[string]string

func readSecrets() (secretsFile, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, err
	}
	var s secretsFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", secretsFilePath(), err)
	}
	return s, nil
}

func (s secretsFile) write() error {
	p := secretsFilePath()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

func keychainGet(service, account string) ([]byte, error) {
	if service != keychainService {
		return nil, fmt.Errorf("no secrets stored for service %q", service)
	}
	s, err := readSecrets()
	if err != nil {
		return nil, fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := s[account]
	if !ok {
		return nil, fmt.Errorf("%s not set in %s", account, secretsFilePath())
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	if service != keychainService {
		return fmt.Errorf("no secrets stored for service %q", service)
	}
	s, err := readSecrets()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if s == nil {
		s = make(secretsFile)
	}
	s[account] = value
	return s.write()
}
