// Package credential stores session secrets and short-lived handshake
// key material in the system keyring. The Store interface exists so
// components hold an explicit handle with a defined lifecycle instead
// of reaching for a process-wide keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "courier"

// ErrNotFound is returned when no value is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Store is the minimal secret-storage contract used by the handshake
// and session layers.
type Store interface {
	// Get retrieves the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(key string, value []byte) error

	// Delete removes the value under key. Deleting an absent key is
	// not an error.
	Delete(key string) error
}

// KeyringStore implements Store on top of the system keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring backend for this application.
func OpenKeyring() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/courier/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("courier-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Get retrieves a credential value by key from the system keyring.
func (s *KeyringStore) Get(key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

// Set stores a credential value by key in the system keyring.
func (s *KeyringStore) Set(key string, value []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:  key,
		Data: value,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key from the system keyring.
func (s *KeyringStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
