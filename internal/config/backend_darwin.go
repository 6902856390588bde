//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.compass.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "compass")
	}
	return "compass-data"
}

func encryptionKeyHint() string {
	return fmt.Sprintf(" or store it in macOS Keychain (service: %s, account: %s)", keychainService, encryptionKeyAccount)
}

// darwinBackend keeps the settable keys in UserDefaults, written with the
// native plist type of each key so `defaults read` shows them typed.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) defaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b *darwinBackend) Lookup(key string) (string, bool, error) {
	out, err := b.defaults("read", b.domain, key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading default %s: %w, output: %s", key, err, out)
	}
	if s, ok := specFor(key); ok && s.typ == kList {
		return strings.Join(parsePlistArray(out), ","), true, nil
	}
	return out, true, nil
}

func (b *darwinBackend) Store(key, raw string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	args := []string{"write", b.domain, key}
	switch s.typ {
	case kInt:
		args = append(args, "-int", raw)
	case kFloat:
		args = append(args, "-float", raw)
	case kList:
		args = append(args, "-array")
		args = append(args, splitList(raw)...)
	default:
		args = append(args, "-string", raw)
	}
	if out, err := b.defaults(args...); err != nil {
		return fmt.Errorf("writing default %s: %w, output: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) Unset(key string) error {
	if _, ok, err := b.Lookup(key); err != nil || !ok {
		return err
	}
	if out, err := b.defaults("delete", b.domain, key); err != nil {
		return fmt.Errorf("deleting default %s: %w, output: %s", key, err, out)
	}
	return nil
}

// parsePlistArray reads the old-style plist `defaults read` prints for an
// array, e.g. "(\n    save,\n    \"slate\"\n)".
func parsePlistArray(out string) []string {
	out = strings.TrimSuffix(strings.TrimPrefix(out, "("), ")")
	var items []string
	for _, part := range strings.Split(out, ",") {
		part = strings.TrimSpace(part)
		if uq, err := strconv.Unquote(part); err == nil {
			part = uq
		}
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
