// Package vault seals secrets with AES-256-GCM under a passphrase-derived key
// and resolves "secret:<name>" references in configuration.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/swarmflow/internal/store"
	"golang.org/x/crypto/argon2"
)

// RefPrefix marks a config value that names a stored secret.
const RefPrefix = "secret:"

var (
	ErrNoPassphrase   = errors.New("vault passphrase not configured")
	ErrSecretNotFound = errors.New("secret not found")
)

// SecretStore is the persistence the vault seals into. *store.Store
// satisfies it.
type SecretStore interface {
	SaveSecret(sec *store.Secret) error
	GetSecretByName(name string) (*store.Secret, error)
}

type Vault struct {
	gcm cipher.AEAD
}

// New derives the key with Argon2id. The salt is taken from the passphrase
// so the same passphrase opens the same secrets after a restart.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.gcm.NonceSize() {
		return nil, fmt.Errorf("decrypt: nonce is %d bytes, want %d", len(nonce), v.gcm.NonceSize())
	}
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Put seals value and stores it under name, replacing any previous value.
func (v *Vault) Put(st SecretStore, name, description string, value []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("secret name is required")
	}
	ciphertext, nonce, err := v.Seal(value)
	if err != nil {
		return err
	}
	return st.SaveSecret(&store.Secret{Name: name, Description: description, Value: ciphertext, Nonce: nonce})
}

func (v *Vault) Get(st SecretStore, name string) ([]byte, error) {
	sec, err := st.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v.Open(sec.Value, sec.Nonce)
}

// Resolve returns ref unchanged unless it is a "secret:<name>" reference, in
// which case the named secret is opened. A nil vault can only resolve
// literals.
func Resolve(v *Vault, st SecretStore, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return ref, nil
	}
	if v == nil {
		return "", fmt.Errorf("resolve %s%s: %w", RefPrefix, name, ErrNoPassphrase)
	}
	value, err := v.Get(st, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s%s: %w", RefPrefix, name, err)
	}
	return string(value), nil
}
