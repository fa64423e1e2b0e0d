package feed

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter(t *testing.T, blocks int) *Feed {
	t.Helper()
	f, err := Create(NewMemoryStorage())
	require.NoError(t, err, "Creating feed failed")
	for i := 0; i < blocks; i++ {
		require.NoError(t, f.Append([]byte(fmt.Sprintf("block-%d", i))))
	}
	return f
}

func newReplica(t *testing.T, writer *Feed) *Feed {
	t.Helper()
	r, err := Open(NewMemoryStorage(), writer.PublicKey(), nil)
	require.NoError(t, err, "Opening replica failed")
	return r
}

func TestAppendAndGet(t *testing.T) {
	f := newWriter(t, 5)

	assert.True(t, f.Writable())
	assert.Equal(t, uint64(5), f.Len())
	assert.Equal(t, uint64(5), f.Downloaded())
	for i := uint64(0); i < 5; i++ {
		assert.True(t, f.Has(i))
		data, err := f.Get(i)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("block-%d", i), string(data))
	}
	_, err := f.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplicaCannotAppend(t *testing.T) {
	r := newReplica(t, newWriter(t, 1))
	assert.False(t, r.Writable())
	assert.ErrorIs(t, r.Append([]byte("x")), ErrNotWritable)
}

func TestProofAndPutEveryBlock(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 8, 13} {
		t.Run(fmt.Sprintf("length %d", size), func(t *testing.T) {
			w := newWriter(t, size)
			r := newReplica(t, w)

			// Out of order on purpose: the first proof must carry a signature,
			// later ones hit trusted nodes.
			for i := size - 1; i >= 0; i-- {
				proof, err := w.Proof(uint64(i))
				require.NoError(t, err)
				data, err := w.Get(uint64(i))
				require.NoError(t, err)
				require.NoError(t, r.Put(uint64(i), data, proof), "put %d", i)
			}

			assert.Equal(t, w.Len(), r.Len())
			assert.True(t, w.Bitfield().Equal(r.Bitfield()))
		})
	}
}

func TestPutExtendsLength(t *testing.T) {
	w := newWriter(t, 5)
	r := newReplica(t, w)

	proof, err := w.Proof(2)
	require.NoError(t, err)
	data, _ := w.Get(2)
	require.NoError(t, r.Put(2, data, proof))
	assert.Equal(t, uint64(5), r.Len())

	require.NoError(t, w.Append([]byte("block-5"), []byte("block-6"), []byte("block-7"), []byte("block-8"), []byte("block-9")))
	proof, err = w.Proof(7)
	require.NoError(t, err)
	data, _ = w.Get(7)
	require.NoError(t, r.Put(7, data, proof))
	assert.Equal(t, uint64(10), r.Len())
	assert.True(t, r.Has(7))
	assert.False(t, r.Has(6))
}

func TestPutRejectsTamperedData(t *testing.T) {
	w := newWriter(t, 4)
	r := newReplica(t, w)

	proof, err := w.Proof(1)
	require.NoError(t, err)
	err = r.Put(1, []byte("forged"), proof)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.False(t, r.Has(1))
	assert.Equal(t, uint64(0), r.Len())
}

func TestPutRequiresSignatureWhenUntrusted(t *testing.T) {
	w := newWriter(t, 4)
	r := newReplica(t, w)

	proof, err := w.Proof(0)
	require.NoError(t, err)
	proof.Signature = nil
	data, _ := w.Get(0)

	assert.ErrorIs(t, r.Put(0, data, proof), ErrInvalidSignature)
}

func TestPutTrustedPathNeedsNoSignature(t *testing.T) {
	w := newWriter(t, 4)
	r := newReplica(t, w)

	proof, err := w.Proof(0)
	require.NoError(t, err)
	data, _ := w.Get(0)
	require.NoError(t, r.Put(0, data, proof))

	proof, err = w.Proof(1)
	require.NoError(t, err)
	proof.Signature = nil
	data, _ = w.Get(1)
	require.NoError(t, r.Put(1, data, proof), "block 1's leaf was learned as block 0's sibling")
}

func TestPutRejectsExtraNodes(t *testing.T) {
	w := newWriter(t, 4)
	r := newReplica(t, w)

	proof, err := w.Proof(0)
	require.NoError(t, err)
	proof.Nodes = append(proof.Nodes, Node{Index: 100, Hash: make([]byte, 32)})
	data, _ := w.Get(0)

	assert.ErrorIs(t, r.Put(0, data, proof), ErrInvalidProof)
}

func TestPutWithoutValue(t *testing.T) {
	w := newWriter(t, 2)
	r := newReplica(t, w)

	proof, err := w.Proof(0)
	require.NoError(t, err)
	// No value and no leaf node: nothing to verify.
	assert.ErrorIs(t, r.Put(0, nil, proof), ErrInvalidProof)

	// Block 1's leaf arrives as a sibling; putting block 1 without data then
	// only records nodes.
	leaf1 := proof.Nodes[0]
	require.Equal(t, uint64(2), leaf1.Index)
	data, _ := w.Get(0)
	require.NoError(t, r.Put(0, data, proof))

	require.NoError(t, r.Put(1, nil, Proof{Index: 1, Nodes: []Node{leaf1}}))
	assert.False(t, r.Has(1))
}

func TestReopenLoadsState(t *testing.T) {
	storage := NewMemoryStorage()
	f, err := Create(storage)
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("a"), []byte("b"), []byte("c")))

	stored, err := StoredPublicKey(storage)
	require.NoError(t, err)
	assert.Equal(t, f.PublicKey(), stored)
	_, err = StoredPublicKey(NewMemoryStorage())
	assert.ErrorIs(t, err, ErrNotFound)

	reopened, err := Open(storage, nil, f.SecretKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.Len())
	assert.True(t, reopened.Has(2))
	assert.Equal(t, f.DiscoveryKey(), reopened.DiscoveryKey())

	require.NoError(t, reopened.Append([]byte("d")))
	_, err = reopened.Proof(3)
	require.NoError(t, err)

	other := newWriter(t, 0)
	_, err = Open(storage, other.PublicKey(), nil)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestProofBeyondLength(t *testing.T) {
	w := newWriter(t, 2)
	_, err := w.Proof(2)
	assert.ErrorIs(t, err, ErrNotFound)
}
