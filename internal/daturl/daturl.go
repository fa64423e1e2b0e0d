// Package daturl parses and formats feed links.
package daturl

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/colmeia/colmeia/internal/crypto"
)

const (
	// Scheme is the link scheme, without the separator.
	Scheme = "dat"

	// SecretNamePrefix is the prefix used for secret names in the secret store
	SecretNamePrefix = "colmeia_feed_"
)

// ErrInvalidURL is returned for links that do not carry a feed public key.
var ErrInvalidURL = errors.New("invalid dat url")

// Parse extracts the public key from dat://<64 hex digits>, optionally
// followed by a path or version, or from the bare hex key.
func Parse(s string) (ed25519.PublicKey, error) {
	rest := strings.TrimSpace(s)
	if scheme, after, ok := strings.Cut(rest, "://"); ok {
		if !strings.EqualFold(scheme, Scheme) {
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, scheme)
		}
		rest = after
	}
	if i := strings.IndexAny(rest, "/+?#"); i >= 0 {
		rest = rest[:i]
	}
	if len(rest) != 2*crypto.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, s)
	}
	key, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return ed25519.PublicKey(key), nil
}

// String formats publicKey as a link.
func String(publicKey ed25519.PublicKey) string {
	return Scheme + "://" + hex.EncodeToString(publicKey)
}

// FormatSecretName formats the secret store name for a feed's secret key
func FormatSecretName(publicKey ed25519.PublicKey) string {
	return SecretNamePrefix + hex.EncodeToString(publicKey)
}
