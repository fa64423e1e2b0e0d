//go:build darwin

package secretstore

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keychainService groups every colmeia item in the login keychain.
const keychainService = "colmeia"

func init() { Default = keychainStore{service: keychainService} }

// keychainStore keeps secrets as generic password items. Keychain passwords
// are strings, so secrets are stored hex encoded.
type keychainStore struct {
	service string
}

func (k keychainStore) Put(name string, data []byte) error {
	if err := keyring.Set(k.service, name, hex.EncodeToString(data)); err != nil {
		return fmt.Errorf("failed to write %s to keychain: %w", name, err)
	}
	return nil
}

func (k keychainStore) Get(name string) ([]byte, error) {
	s, err := keyring.Get(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from keychain: %w", name, err)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keychain item %s is not hex encoded: %w", name, err)
	}
	return data, nil
}

func (k keychainStore) Delete(name string) error {
	err := keyring.Delete(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}
