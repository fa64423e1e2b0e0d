// Package secretstore keeps feed secret keys outside the feed files.
package secretstore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/colmeia/colmeia/internal/daturl"
)

// ErrNotFound is returned when the store holds no secret under a name.
var ErrNotFound = errors.New("secret not found")

// Store holds named secrets. Get returns an error wrapping ErrNotFound for
// unknown names.
type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

var Default Store // set in init of each platform file

// PutFeedKey stores the secret key of the feed identified by publicKey.
func PutFeedKey(s Store, publicKey ed25519.PublicKey, secretKey ed25519.PrivateKey) error {
	return s.Put(daturl.FormatSecretName(publicKey), secretKey)
}

// FeedKey loads the secret key of the feed identified by publicKey and checks
// that it belongs to that feed.
func FeedKey(s Store, publicKey ed25519.PublicKey) (ed25519.PrivateKey, error) {
	data, err := s.Get(daturl.FormatSecretName(publicKey))
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("stored secret key has %d bytes, want %d", len(data), ed25519.PrivateKeySize)
	}
	secretKey := ed25519.PrivateKey(data)
	if !bytes.Equal(secretKey.Public().(ed25519.PublicKey), publicKey) {
		return nil, errors.New("stored secret key belongs to another feed")
	}
	return secretKey, nil
}
