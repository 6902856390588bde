// Package sealed encrypts record payloads before they reach disk.
//
// Values are encoded with CBOR Core Deterministic Encoding and then encrypted
// with age to a single X25519 recipient. The same key both seals and opens, so
// a Sealer holds the identity and derives its own recipient.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

// ErrNoKey is returned when a Sealer is built from an empty key.
var ErrNoKey = errors.New("encryption key not configured")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// Status history relies on sub-second ordering.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("sealed: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sealed: CBOR decoder initialization failed: " + err.Error())
	}
}

// Sealer seals and opens values with one age X25519 identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// GenerateKey returns a new secret key in AGE-SECRET-KEY-1... form and its
// public recipient string.
func GenerateKey() (secretKey, publicKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

// New parses secretKey and returns a Sealer for it.
func New(secretKey string) (*Sealer, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, ErrNoKey
	}
	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parsing encryption key: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// PublicKey returns the age1... recipient the Sealer encrypts to.
func (s *Sealer) PublicKey() string {
	return s.recipient.String()
}

// Seal encodes v as deterministic CBOR and encrypts the result.
func (s *Sealer) Seal(v any) ([]byte, error) {
	plaintext, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding sealed value: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts data and decodes it into v.
func (s *Sealer) Open(data []byte, v any) error {
	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if err := decMode.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("decoding sealed value: %w", err)
	}
	return nil
}
