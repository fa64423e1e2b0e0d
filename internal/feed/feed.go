// Package feed implements a sparse, append-only log of blocks verified by a
// signed merkle tree. A feed with a secret key can append; any feed can admit
// blocks from peers when they come with a valid proof.
package feed

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/colmeia/colmeia/internal/bitfield"
	"github.com/colmeia/colmeia/internal/crypto"
	"github.com/colmeia/colmeia/internal/flattree"
	"github.com/colmeia/colmeia/internal/log"
)

// Common errors returned by the feed package.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotWritable      = errors.New("feed is not writable")
	ErrInvalidProof     = errors.New("invalid proof")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingNode      = errors.New("missing tree node")
	ErrKeyMismatch      = errors.New("public key does not match storage")
	ErrLockAcquisition  = errors.New("could not acquire feed lock")
)

const (
	metaPublicKey = "public_key"
	metaLength    = "length"
)

// Node is a merkle tree node at a flat tree index. Size is the number of
// data bytes under the node.
type Node struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

// Proof carries the nodes needed to connect a block to a signed tree. Nodes
// are in the order the verifier consumes them: the sibling path upwards,
// then the remaining roots. Signature is nil when absent.
type Proof struct {
	Index     uint64
	Nodes     []Node
	Signature []byte
}

// Feed is a single append-only log. It is not safe for concurrent use; share
// it between sessions through a Handle.
type Feed struct {
	storage      Storage
	publicKey    ed25519.PublicKey
	secretKey    ed25519.PrivateKey
	discoveryKey []byte
	length       uint64
	signature    []byte
	bitfield     *bitfield.Bitfield
}

// Create makes a new writable feed with a fresh key pair.
func Create(storage Storage) (*Feed, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return Open(storage, kp.PublicKey, kp.SecretKey)
}

// Open loads a feed from storage. publicKey may be nil when the storage
// already knows it; secretKey may be nil for read-only replicas.
func Open(storage Storage, publicKey ed25519.PublicKey, secretKey ed25519.PrivateKey) (*Feed, error) {
	stored, err := StoredPublicKey(storage)
	switch {
	case errors.Is(err, ErrNotFound):
		if len(publicKey) != crypto.PublicKeySize {
			return nil, fmt.Errorf("failed to open feed: %w", crypto.ErrInvalidKey)
		}
		if err := storage.WriteMeta(metaPublicKey, publicKey); err != nil {
			return nil, fmt.Errorf("failed to store public key: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read public key: %w", err)
	case publicKey == nil:
		publicKey = stored
	case !bytes.Equal(stored, publicKey):
		return nil, ErrKeyMismatch
	}

	dk, err := crypto.DiscoveryKey(publicKey)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		storage:      storage,
		publicKey:    publicKey,
		secretKey:    secretKey,
		discoveryKey: dk,
		bitfield:     bitfield.New(),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// StoredPublicKey returns the public key recorded in storage, or ErrNotFound
// for storage no feed has been opened on.
func StoredPublicKey(storage Storage) (ed25519.PublicKey, error) {
	key, err := storage.ReadMeta(metaPublicKey)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(key), nil
}

func (f *Feed) load() error {
	raw, err := f.storage.ReadMeta(metaLength)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to read length: %w", err)
	}
	if len(raw) == 8 {
		f.length = binary.BigEndian.Uint64(raw)
	}
	if f.length > 0 {
		sig, err := f.storage.ReadSignature(f.length)
		if err != nil {
			return fmt.Errorf("failed to read signature for length %d: %w", f.length, err)
		}
		f.signature = sig
	}
	indices, err := f.storage.DataIndices()
	if err != nil {
		return fmt.Errorf("failed to list blocks: %w", err)
	}
	for _, i := range indices {
		f.bitfield.Set(i, true)
	}
	return nil
}

// PublicKey returns the key that signs this feed.
func (f *Feed) PublicKey() ed25519.PublicKey { return f.publicKey }

// DiscoveryKey returns the identifier announced to peers.
func (f *Feed) DiscoveryKey() []byte { return f.discoveryKey }

// SecretKey returns the signing key, or nil for replicas.
func (f *Feed) SecretKey() ed25519.PrivateKey { return f.secretKey }

// Writable reports whether the feed can append.
func (f *Feed) Writable() bool { return len(f.secretKey) == crypto.SecretKeySize }

// Len returns the verified length of the feed. Blocks below Len may still be
// missing locally.
func (f *Feed) Len() uint64 { return f.length }

// Has reports whether block index is stored locally.
func (f *Feed) Has(index uint64) bool { return f.bitfield.Get(index) }

// Bitfield returns the live local availability bitfield.
func (f *Feed) Bitfield() *bitfield.Bitfield { return f.bitfield }

// Downloaded returns the number of blocks stored locally.
func (f *Feed) Downloaded() uint64 { return f.bitfield.Count() }

// Get reads block index.
func (f *Feed) Get(index uint64) ([]byte, error) {
	if !f.Has(index) {
		return nil, ErrNotFound
	}
	data, err := f.storage.ReadData(index)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", index, err)
	}
	return data, nil
}

// Append adds blocks to the end of a writable feed and signs the new tree.
func (f *Feed) Append(blocks ...[]byte) error {
	if !f.Writable() {
		return ErrNotWritable
	}
	if len(blocks) == 0 {
		return nil
	}
	length := f.length
	for _, data := range blocks {
		if err := f.appendBlock(length, data); err != nil {
			return err
		}
		length++
	}
	roots, err := f.roots(length)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(f.secretKey, crypto.TreeHash(roots))
	if err != nil {
		return fmt.Errorf("failed to sign tree: %w", err)
	}
	return f.commit(length, sig)
}

func (f *Feed) appendBlock(index uint64, data []byte) error {
	cur := Node{Index: 2 * index, Hash: crypto.LeafHash(data), Size: uint64(len(data))}
	if err := f.storage.WriteData(index, data); err != nil {
		return fmt.Errorf("failed to write block %d: %w", index, err)
	}
	if err := f.storage.WriteNode(cur); err != nil {
		return fmt.Errorf("failed to write node %d: %w", cur.Index, err)
	}
	f.bitfield.Set(index, true)

	// Fold completed subtrees: a right child closes its parent.
	for {
		sibIndex := flattree.Sibling(cur.Index)
		if sibIndex > cur.Index {
			return nil
		}
		sib, err := f.storage.ReadNode(sibIndex)
		if err != nil {
			return fmt.Errorf("%w: %d", ErrMissingNode, sibIndex)
		}
		cur = parentOf(sib, cur)
		if err := f.storage.WriteNode(cur); err != nil {
			return fmt.Errorf("failed to write node %d: %w", cur.Index, err)
		}
	}
}

func (f *Feed) roots(length uint64) ([]crypto.Root, error) {
	indices := flattree.FullRoots(2 * length)
	roots := make([]crypto.Root, 0, len(indices))
	for _, i := range indices {
		n, err := f.storage.ReadNode(i)
		if err != nil {
			return nil, fmt.Errorf("%w: root %d", ErrMissingNode, i)
		}
		roots = append(roots, crypto.Root{Index: n.Index, Hash: n.Hash, Size: n.Size})
	}
	return roots, nil
}

func (f *Feed) commit(length uint64, sig []byte) error {
	if err := f.storage.WriteSignature(length, sig); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], length)
	if err := f.storage.WriteMeta(metaLength, raw[:]); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	f.length = length
	f.signature = sig
	return nil
}

// Proof builds the proof a peer needs to verify block index against the
// latest signed length.
func (f *Feed) Proof(index uint64) (Proof, error) {
	if index >= f.length {
		return Proof{}, fmt.Errorf("%w: block %d beyond length %d", ErrNotFound, index, f.length)
	}
	rootIndices := flattree.FullRoots(2 * f.length)
	isRoot := make(map[uint64]bool, len(rootIndices))
	for _, r := range rootIndices {
		isRoot[r] = true
	}

	proof := Proof{Index: index, Signature: f.signature}
	cur := 2 * index
	for !isRoot[cur] {
		sib, err := f.storage.ReadNode(flattree.Sibling(cur))
		if err != nil {
			return Proof{}, fmt.Errorf("%w: %d", ErrMissingNode, flattree.Sibling(cur))
		}
		proof.Nodes = append(proof.Nodes, sib)
		cur = flattree.Parent(cur)
	}
	for _, r := range rootIndices {
		if r == cur {
			continue
		}
		n, err := f.storage.ReadNode(r)
		if err != nil {
			return Proof{}, fmt.Errorf("%w: root %d", ErrMissingNode, r)
		}
		proof.Nodes = append(proof.Nodes, n)
	}
	return proof, nil
}

// Put admits block index from a peer. value may be nil to learn tree nodes
// without data; the leaf node must then be part of the proof. The block is
// stored only if the proof connects it to a node already trusted locally or
// to a tree signed by the feed key.
func (f *Feed) Put(index uint64, value []byte, proof Proof) error {
	pending := make(map[uint64]Node, len(proof.Nodes))
	for _, n := range proof.Nodes {
		pending[n.Index] = n
	}

	var cur Node
	if value != nil {
		cur = Node{Index: 2 * index, Hash: crypto.LeafHash(value), Size: uint64(len(value))}
	} else {
		leaf, ok := pending[2*index]
		if !ok {
			return fmt.Errorf("%w: no data and no leaf node for block %d", ErrInvalidProof, index)
		}
		delete(pending, 2*index)
		cur = leaf
	}

	verified := []Node{cur}
	trusted := false
	for {
		if local, err := f.storage.ReadNode(cur.Index); err == nil {
			if !bytes.Equal(local.Hash, cur.Hash) || local.Size != cur.Size {
				return fmt.Errorf("%w: node %d does not match the local tree", ErrInvalidProof, cur.Index)
			}
			trusted = true
			break
		}
		sibIndex := flattree.Sibling(cur.Index)
		sib, ok := pending[sibIndex]
		if ok {
			delete(pending, sibIndex)
		} else {
			local, err := f.storage.ReadNode(sibIndex)
			if err != nil {
				break
			}
			sib = local
		}
		verified = append(verified, sib)
		cur = parentOf(sib, cur)
		verified = append(verified, cur)
	}

	newLength := f.length
	if !trusted {
		length, err := f.verifyRoots(cur, pending, proof.Signature)
		if err != nil {
			return err
		}
		for _, n := range pending {
			verified = append(verified, n)
		}
		newLength = length
	}

	for _, n := range verified {
		if err := f.storage.WriteNode(n); err != nil {
			return fmt.Errorf("failed to write node %d: %w", n.Index, err)
		}
	}
	if value != nil {
		if err := f.storage.WriteData(index, value); err != nil {
			return fmt.Errorf("failed to write block %d: %w", index, err)
		}
		f.bitfield.Set(index, true)
	}
	if newLength > f.length {
		log.Debug().
			Uint64("length", newLength).
			Uint64("previous", f.length).
			Msg("Feed length extended by signed proof")
		return f.commit(newLength, proof.Signature)
	}
	return nil
}

// verifyRoots checks that top and the unconsumed proof nodes are exactly the
// roots of some tree and that sig signs that tree. It returns the tree length.
func (f *Feed) verifyRoots(top Node, rest map[uint64]Node, sig []byte) (uint64, error) {
	nodes := make([]Node, 0, len(rest)+1)
	nodes = append(nodes, top)
	for _, n := range rest {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(a, b int) bool { return nodes[a].Index < nodes[b].Index })

	length := flattree.RightSpan(nodes[len(nodes)-1].Index)/2 + 1
	expected := flattree.FullRoots(2 * length)
	if len(expected) != len(nodes) {
		return 0, fmt.Errorf("%w: expected %d roots for length %d, got %d", ErrInvalidProof, len(expected), length, len(nodes))
	}
	roots := make([]crypto.Root, len(nodes))
	for i, n := range nodes {
		if n.Index != expected[i] {
			return 0, fmt.Errorf("%w: node %d is not a root of length %d", ErrInvalidProof, n.Index, length)
		}
		roots[i] = crypto.Root{Index: n.Index, Hash: n.Hash, Size: n.Size}
	}
	if sig == nil {
		return 0, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if !crypto.Verify(f.publicKey, crypto.TreeHash(roots), sig) {
		return 0, ErrInvalidSignature
	}
	return length, nil
}

// Close releases the underlying storage.
func (f *Feed) Close() error {
	return f.storage.Close()
}

func parentOf(a, b Node) Node {
	left, right := a, b
	if b.Index < a.Index {
		left, right = b, a
	}
	return Node{
		Index: flattree.Parent(left.Index),
		Hash:  crypto.ParentHash(left.Hash, left.Size, right.Hash, right.Size),
		Size:  left.Size + right.Size,
	}
}
