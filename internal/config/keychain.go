package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keychainService      = "compass"
	encryptionKeyAccount = "storage_encryption_key"
	apiTokenAccount      = "api_token"
)

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 secrets file elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local HTTP API, creating
// and storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// StoreEncryptionKey saves the storage secret key in the platform secret store.
func StoreEncryptionKey(kc Keychain, key string) error {
	return kc.Set(keychainService, encryptionKeyAccount, key)
}
