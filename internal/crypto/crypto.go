// Package crypto holds the hashing and signing primitives of a feed: BLAKE2b
// merkle hashes, Ed25519 signatures and discovery keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidKey is returned when a key has the wrong length.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	// PublicKeySize is the size of a feed public key.
	PublicKeySize = ed25519.PublicKeySize
	// SecretKeySize is the size of a feed secret key.
	SecretKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size of a root signature.
	SignatureSize = ed25519.SignatureSize
	// HashSize is the size of every tree hash and discovery key.
	HashSize = blake2b.Size256
)

// Hash type prefixes, so a leaf can never be confused with a parent or root.
const (
	leafType   byte = 0x00
	parentType byte = 0x01
	rootType   byte = 0x02
)

var discoveryNamespace = []byte("hypercore")

// KeyPair is an Ed25519 key pair identifying a feed.
type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return KeyPair{PublicKey: pub, SecretKey: sec}, nil
}

// Sign signs msg with a secret key.
func Sign(secretKey ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(secretKey) != SecretKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(secretKey, msg), nil
}

// Verify checks sig over msg with a public key.
func Verify(publicKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(publicKey) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, msg, sig)
}

// DiscoveryKey derives the public identifier announced on the wire for a
// feed, so the public key itself is never sent to peers that do not know it.
func DiscoveryKey(publicKey []byte) ([]byte, error) {
	h, err := blake2b.New256(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive discovery key: %w", err)
	}
	h.Write(discoveryNamespace)
	return h.Sum(nil), nil
}

// Generate returns n random bytes.
func Generate(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	return buf, err
}

// LeafHash hashes a data block.
func LeafHash(data []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{leafType})
	h.Write(uint64BE(uint64(len(data))))
	h.Write(data)
	return h.Sum(nil)
}

// ParentHash hashes two sibling nodes, left first.
func ParentHash(leftHash []byte, leftSize uint64, rightHash []byte, rightSize uint64) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{parentType})
	h.Write(uint64BE(leftSize + rightSize))
	h.Write(leftHash)
	h.Write(rightHash)
	return h.Sum(nil)
}

// Root is one tree root as fed into TreeHash.
type Root struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

// TreeHash hashes the ordered roots of a tree. The signature of a feed at a
// given length is a signature over this hash.
func TreeHash(roots []Root) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{rootType})
	for _, r := range roots {
		h.Write(r.Hash)
		h.Write(uint64BE(r.Index))
		h.Write(uint64BE(r.Size))
	}
	return h.Sum(nil)
}

func uint64BE(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
