package replication

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/colmeia/colmeia/internal/bitfield"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/wire"
)

type sent struct {
	channel uint64
	msg     wire.Message
}

type recordingSender struct {
	sent []sent
	err  error
}

func (r *recordingSender) Send(_ context.Context, channel uint64, msg wire.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{channel, msg})
	return nil
}

func (r *recordingSender) messages() []wire.Message {
	out := make([]wire.Message, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.msg
	}
	return out
}

type stubHandshaker struct {
	feeds      int
	handshakes int
	err        error
}

func (h *stubHandshaker) OnFeed(context.Context, uint64, *wire.Feed) error {
	h.feeds++
	return h.err
}

func (h *stubHandshaker) OnHandshake(context.Context, uint64, *wire.Handshake) error {
	h.handshakes++
	return h.err
}

func newWriterHandle(t *testing.T, blocks int) *feed.Handle {
	t.Helper()
	f, err := feed.Create(feed.NewMemoryStorage())
	require.NoError(t, err)
	for i := 0; i < blocks; i++ {
		require.NoError(t, f.Append([]byte(fmt.Sprintf("block %d", i))))
	}
	return feed.NewHandle(f)
}

func newReplicaHandle(t *testing.T, writer *feed.Handle) *feed.Handle {
	t.Helper()
	var pub []byte
	require.NoError(t, writer.View(func(f *feed.Feed) error {
		pub = f.PublicKey()
		return nil
	}))
	f, err := feed.Open(feed.NewMemoryStorage(), pub, nil)
	require.NoError(t, err)
	return feed.NewHandle(f)
}

func newTestSession(t *testing.T, handle *feed.Handle, config Config) (*Session, *recordingSender, *stubHandshaker) {
	t.Helper()
	sender := &recordingSender{}
	hs := &stubHandshaker{}
	return NewSession(4, handle, sender, hs, config), sender, hs
}

func u64(v uint64) *uint64 { return &v }

func requestIndices(msgs []wire.Message) []uint64 {
	var out []uint64
	for _, m := range msgs {
		if r, ok := m.(*wire.Request); ok {
			out = append(out, r.Index)
		}
	}
	return out
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingFeed", StateAwaitingFeed.String())
	assert.Equal(t, "AwaitingHandshake", StateAwaitingHandshake.String())
	assert.Equal(t, "Replicating", StateReplicating.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestParseRequestPolicy(t *testing.T) {
	p, err := ParseRequestPolicy("missing")
	require.NoError(t, err)
	assert.Equal(t, RequestMissing, p)
	p, err = ParseRequestPolicy(RequestAll.String())
	require.NoError(t, err)
	assert.Equal(t, RequestAll, p)
	_, err = ParseRequestPolicy("some")
	assert.Error(t, err)
}

func TestOnFeed(t *testing.T) {
	h := newWriterHandle(t, 1)
	s, sender, hs := newTestSession(t, h, DefaultConfig())
	ctx := context.Background()

	err := s.OnFeed(ctx, 4, &wire.Feed{DiscoveryKey: []byte("other")})
	assert.ErrorIs(t, err, ErrFeedMismatch)
	assert.Equal(t, StateAwaitingFeed, s.State())

	require.NoError(t, s.OnFeed(ctx, 4, &wire.Feed{DiscoveryKey: h.DiscoveryKey()}))
	assert.Equal(t, StateAwaitingHandshake, s.State())
	assert.Equal(t, 1, hs.feeds)
	assert.Empty(t, sender.sent, "the session itself sends nothing on Feed")
}

func TestOnHandshakeChannelMismatch(t *testing.T) {
	s, sender, hs := newTestSession(t, newWriterHandle(t, 1), DefaultConfig())

	for _, channel := range []uint64{0, 3, 5, 1 << 40} {
		err := s.OnHandshake(context.Background(), channel, &wire.Handshake{})
		assert.ErrorIs(t, err, ErrChannelMismatch)
	}
	assert.Equal(t, StateAwaitingFeed, s.State())
	assert.Equal(t, 0, hs.handshakes)
	assert.Empty(t, sender.sent)
}

func TestOnHandshakeWantsEverything(t *testing.T) {
	s, sender, hs := newTestSession(t, newWriterHandle(t, 1), DefaultConfig())

	require.NoError(t, s.OnHandshake(context.Background(), 4, &wire.Handshake{}))
	assert.Equal(t, StateReplicating, s.State())
	assert.Equal(t, 1, hs.handshakes)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, uint64(4), sender.sent[0].channel)
	assert.Equal(t, &wire.Want{Start: 0, Length: 0}, sender.sent[0].msg)
}

func TestOnHandshakeHandshakerError(t *testing.T) {
	s, sender, hs := newTestSession(t, newWriterHandle(t, 1), DefaultConfig())
	hs.err = errors.New("bad handshake")

	assert.ErrorIs(t, s.OnHandshake(context.Background(), 4, &wire.Handshake{}), hs.err)
	assert.NotEqual(t, StateReplicating, s.State())
	assert.Empty(t, sender.sent)
}

func TestOnWantIgnoresUnaligned(t *testing.T) {
	tests := []struct{ start, length uint64 }{
		{1, 0},
		{0, 1},
		{8191, 8192},
		{8192, 100},
		{4096, 4096},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d+%d", tc.start, tc.length), func(t *testing.T) {
			s, sender, _ := newTestSession(t, newWriterHandle(t, 3), DefaultConfig())
			require.NoError(t, s.OnWant(context.Background(), 4, &wire.Want{Start: tc.start, Length: tc.length}))
			assert.Empty(t, sender.sent)
		})
	}
}

func TestOnWantEmptyFeed(t *testing.T) {
	s, sender, _ := newTestSession(t, newWriterHandle(t, 0), DefaultConfig())

	require.NoError(t, s.OnWant(context.Background(), 4, &wire.Want{Start: 0, Length: 0}))
	require.Len(t, sender.sent, 1, "no eager Have without blocks")
	assert.Equal(t, &wire.Have{Start: 0, Length: u64(0), Bitfield: []byte{}}, sender.sent[0].msg)
}

func TestOnWantAnnouncesLengthFirst(t *testing.T) {
	s, sender, _ := newTestSession(t, newWriterHandle(t, 9), DefaultConfig())

	require.NoError(t, s.OnWant(context.Background(), 4, &wire.Want{Start: 0, Length: bitfield.PageBits}))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, &wire.Have{Start: 8}, sender.sent[0].msg)

	ranged := sender.sent[1].msg.(*wire.Have)
	assert.Equal(t, uint64(0), ranged.Start)
	assert.Equal(t, u64(bitfield.PageBits), ranged.Length)
	decoded, err := bitfield.Decode(ranged.Bitfield)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x80}, decoded)
}

func TestOnWantSparseFeedSkipsEagerHave(t *testing.T) {
	writer := newWriterHandle(t, 4)
	replica := newReplicaHandle(t, writer)

	// The replica learns length 4 but only holds block 1.
	var proof feed.Proof
	var data []byte
	require.NoError(t, writer.View(func(f *feed.Feed) error {
		var err error
		proof, err = f.Proof(1)
		if err != nil {
			return err
		}
		data, err = f.Get(1)
		return err
	}))
	require.NoError(t, replica.Update(func(f *feed.Feed) error { return f.Put(1, data, proof) }))

	s, sender, _ := newTestSession(t, replica, DefaultConfig())
	require.NoError(t, s.OnWant(context.Background(), 4, &wire.Want{}))
	require.Len(t, sender.sent, 1)
	have := sender.sent[0].msg.(*wire.Have)
	decoded, err := bitfield.Decode(have.Bitfield)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40}, decoded)
}

func TestOnHaveRun(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 5}))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, requestIndices(sender.messages()))
	assert.Len(t, sender.sent, 6)
	assert.Equal(t, uint64(6), s.RemoteLength())
	assert.True(t, s.RemoteHas(5))
	assert.False(t, s.RemoteHas(4))
}

func TestOnHaveOmittedLengthIsOne(t *testing.T) {
	replica := newReplicaHandle(t, newWriterHandle(t, 1))
	omitted, omittedSender, _ := newTestSession(t, replica, DefaultConfig())
	explicit, explicitSender, _ := newTestSession(t, replica, DefaultConfig())

	require.NoError(t, omitted.OnHave(context.Background(), 4, &wire.Have{Start: 3}))
	require.NoError(t, explicit.OnHave(context.Background(), 4, &wire.Have{Start: 3, Length: u64(1)}))

	assert.Equal(t, explicitSender.messages(), omittedSender.messages())
	assert.Equal(t, explicit.RemoteLength(), omitted.RemoteLength())
}

func TestOnHaveRunLength(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 2, Length: u64(4)}))
	assert.Equal(t, uint64(6), s.RemoteLength())
	assert.Equal(t, []uint64{0, 1, 2}, requestIndices(sender.messages()))

	// A smaller announcement never shrinks the remote length.
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 0}))
	assert.Equal(t, uint64(6), s.RemoteLength())
}

func TestOnHaveBitfieldMergesRemote(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	rle := bitfield.Encode([]byte{0xff, 0xc0})
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 0, Length: u64(0), Bitfield: rle}))
	assert.Equal(t, uint64(10), s.RemoteLength())
	assert.True(t, s.RemoteHas(9))
	assert.False(t, s.RemoteHas(10))
	assert.Equal(t, []uint64{0}, requestIndices(sender.messages()))

	// A second page at an offset extends the known length.
	page2 := bitfield.Encode([]byte{0x01})
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: bitfield.PageBits, Length: u64(bitfield.PageBits), Bitfield: page2}))
	assert.Equal(t, uint64(bitfield.PageBits+8), s.RemoteLength())
	assert.Len(t, requestIndices(sender.messages()), 1+bitfield.PageBits+1)
}

func TestOnHaveRequestsExactlyUpToStart(t *testing.T) {
	for _, start := range []uint64{0, 1, 7, 100} {
		t.Run(fmt.Sprint(start), func(t *testing.T) {
			s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())
			rle := bitfield.Encode([]byte{0xaa})
			require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: start, Bitfield: rle}))

			want := make([]uint64, start+1)
			for i := range want {
				want[i] = uint64(i)
			}
			assert.Equal(t, want, requestIndices(sender.messages()))
		})
	}
}

func TestOnHaveEmptyBitfield(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 0, Length: u64(0), Bitfield: []byte{}}))
	assert.Equal(t, uint64(0), s.RemoteLength())
	assert.Equal(t, []uint64{0}, requestIndices(sender.messages()))
}

func TestOnHaveBadBitfield(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	err := s.OnHave(context.Background(), 4, &wire.Have{Start: 3, Bitfield: []byte{0x80}})
	assert.ErrorIs(t, err, ErrBitfieldDecode)
	assert.ErrorIs(t, err, bitfield.ErrInvalidRLE)
	assert.Empty(t, sender.sent)
	assert.Equal(t, uint64(0), s.RemoteLength())
}

func TestOnHaveFarRunStillRequests(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), Config{MaxRequests: 4})

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 1 << 29}))
	assert.Equal(t, uint64(1<<29+1), s.RemoteLength())
	assert.False(t, s.RemoteHas(1<<29), "indices past the tracked window are not recorded")
	assert.Equal(t, []uint64{0, 1, 2, 3}, requestIndices(sender.messages()))

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 1 << 62, Length: u64(1 << 62)}))
	assert.Equal(t, uint64(1<<63), s.RemoteLength())
	assert.Len(t, requestIndices(sender.messages()), 8)

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: math.MaxUint64, Length: u64(2)}))
	assert.Equal(t, uint64(math.MaxUint64), s.RemoteLength())
}

func TestOnHaveFarBitfieldStillRequests(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), Config{MaxRequests: 2})

	rle := bitfield.Encode([]byte{0x80})
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 1 << 40, Bitfield: rle}))
	assert.Equal(t, uint64(1<<40+1), s.RemoteLength())
	assert.Equal(t, []uint64{0, 1}, requestIndices(sender.messages()))
}

func TestOnHaveBitfieldClipsToLength(t *testing.T) {
	s, _, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())

	rle := bitfield.Encode([]byte{0xff, 0xff})
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 0, Length: u64(4), Bitfield: rle}))
	assert.Equal(t, uint64(4), s.RemoteLength())
	assert.True(t, s.RemoteHas(3))
	assert.False(t, s.RemoteHas(4))
}

func TestOnHaveLongRunIsCheap(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), DefaultConfig())
	rle := protowire.AppendVarint(nil, bitfield.MaxDecodedLength<<2|3)
	require.Len(t, rle, 5)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	started := time.Now()
	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 0, Bitfield: rle}))
	elapsed := time.Since(started)
	runtime.ReadMemStats(&after)

	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, uint64(bitfield.MaxDecodedLength*8), s.RemoteLength())
	assert.True(t, s.RemoteHas(maxRemoteBits-1))
	assert.False(t, s.RemoteHas(maxRemoteBits))
	assert.Equal(t, []uint64{0}, requestIndices(sender.messages()))
}

func TestOnHaveRequestMissing(t *testing.T) {
	writer := newWriterHandle(t, 6)
	s, sender, _ := newTestSession(t, writer, Config{RequestPolicy: RequestMissing})

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 8}))
	assert.Equal(t, []uint64{6, 7, 8}, requestIndices(sender.messages()))
}

func TestOnHaveMaxRequests(t *testing.T) {
	s, sender, _ := newTestSession(t, newReplicaHandle(t, newWriterHandle(t, 1)), Config{MaxRequests: 3})

	require.NoError(t, s.OnHave(context.Background(), 4, &wire.Have{Start: 100}))
	assert.Equal(t, []uint64{0, 1, 2}, requestIndices(sender.messages()))
	assert.Equal(t, uint64(101), s.RemoteLength())
}

func TestOnRequest(t *testing.T) {
	writer := newWriterHandle(t, 5)
	s, sender, _ := newTestSession(t, writer, DefaultConfig())

	require.NoError(t, s.OnRequest(context.Background(), 4, &wire.Request{Index: 3}))
	require.NoError(t, s.OnRequest(context.Background(), 4, &wire.Request{Index: 5}))
	require.Len(t, sender.sent, 1, "requests past the end are ignored")

	data := sender.sent[0].msg.(*wire.Data)
	assert.Equal(t, uint64(3), data.Index)
	assert.Equal(t, []byte("block 3"), data.Value)
	assert.NotEmpty(t, data.Nodes)
	assert.Len(t, data.Signature, 64)

	replica := newReplicaHandle(t, writer)
	r, _, _ := newTestSession(t, replica, DefaultConfig())
	require.NoError(t, r.OnData(context.Background(), 4, data))
	require.NoError(t, replica.View(func(f *feed.Feed) error {
		assert.Equal(t, uint64(5), f.Len())
		assert.True(t, f.Has(3))
		return nil
	}))
}

func TestEmptyBlockReplicates(t *testing.T) {
	f, err := feed.Create(feed.NewMemoryStorage())
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("a"), []byte{}, []byte("c")))
	writer := feed.NewHandle(f)

	ws, wsender, _ := newTestSession(t, writer, DefaultConfig())
	require.NoError(t, ws.OnRequest(context.Background(), 4, &wire.Request{Index: 1}))
	require.Len(t, wsender.sent, 1)
	data := wsender.sent[0].msg.(*wire.Data)
	require.NotNil(t, data.Value, "an empty block still carries a value")

	msg, err := wire.Decode(wire.KindData, wire.Encode(data))
	require.NoError(t, err)

	replica := newReplicaHandle(t, writer)
	s, _, _ := newTestSession(t, replica, DefaultConfig())
	require.NoError(t, s.OnData(context.Background(), 4, msg.(*wire.Data)))
	require.NoError(t, replica.View(func(f *feed.Feed) error {
		assert.True(t, f.Has(1))
		value, err := f.Get(1)
		require.NoError(t, err)
		assert.NotNil(t, value)
		assert.Empty(t, value)
		return nil
	}))
}

func TestOnDataUnparsableSignatureStillPuts(t *testing.T) {
	writer := newWriterHandle(t, 4)
	ws, wsender, _ := newTestSession(t, writer, DefaultConfig())
	require.NoError(t, ws.OnRequest(context.Background(), 4, &wire.Request{Index: 0}))
	require.NoError(t, ws.OnRequest(context.Background(), 4, &wire.Request{Index: 1}))
	block0 := wsender.sent[0].msg.(*wire.Data)
	block1 := wsender.sent[1].msg.(*wire.Data)

	replica := newReplicaHandle(t, writer)
	s, _, _ := newTestSession(t, replica, DefaultConfig())

	// Nothing is trusted yet: storage rejects the proof for lacking a signature.
	broken := *block0
	broken.Signature = broken.Signature[:10]
	err := s.OnData(context.Background(), 4, &broken)
	assert.ErrorIs(t, err, ErrStorageWrite)
	assert.ErrorIs(t, err, feed.ErrInvalidSignature)

	require.NoError(t, s.OnData(context.Background(), 4, block0))

	// Block 1's path is now trusted, so storage accepts it without a signature.
	broken = *block1
	broken.Signature = []byte("garbage")
	require.NoError(t, s.OnData(context.Background(), 4, &broken))
	require.NoError(t, replica.View(func(f *feed.Feed) error {
		assert.True(t, f.Has(1))
		return nil
	}))
}

func TestOnDataRejectsForgedBlock(t *testing.T) {
	writer := newWriterHandle(t, 2)
	ws, wsender, _ := newTestSession(t, writer, DefaultConfig())
	require.NoError(t, ws.OnRequest(context.Background(), 4, &wire.Request{Index: 1}))

	forged := *wsender.sent[0].msg.(*wire.Data)
	forged.Value = []byte("forged")

	s, _, _ := newTestSession(t, newReplicaHandle(t, writer), DefaultConfig())
	err := s.OnData(context.Background(), 4, &forged)
	assert.ErrorIs(t, err, ErrStorageWrite)
}

func TestHandlersCheckChannel(t *testing.T) {
	s, sender, _ := newTestSession(t, newWriterHandle(t, 2), DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, s.OnFeed(ctx, 1, &wire.Feed{}), ErrChannelMismatch)
	assert.ErrorIs(t, s.OnWant(ctx, 1, &wire.Want{}), ErrChannelMismatch)
	assert.ErrorIs(t, s.OnHave(ctx, 1, &wire.Have{}), ErrChannelMismatch)
	assert.ErrorIs(t, s.OnRequest(ctx, 1, &wire.Request{}), ErrChannelMismatch)
	assert.ErrorIs(t, s.OnData(ctx, 1, &wire.Data{}), ErrChannelMismatch)
	assert.Empty(t, sender.sent)
}

func TestLockFailureIsPropagated(t *testing.T) {
	h := newWriterHandle(t, 2)
	s, sender, _ := newTestSession(t, h, DefaultConfig())
	require.NoError(t, h.Close())
	ctx := context.Background()

	assert.ErrorIs(t, s.OnWant(ctx, 4, &wire.Want{}), feed.ErrLockAcquisition)
	assert.ErrorIs(t, s.OnRequest(ctx, 4, &wire.Request{}), feed.ErrLockAcquisition)
	err := s.OnData(ctx, 4, &wire.Data{Value: []byte("x")})
	assert.ErrorIs(t, err, feed.ErrLockAcquisition)
	assert.NotErrorIs(t, err, ErrStorageWrite)

	rm, _, _ := newTestSession(t, h, Config{RequestPolicy: RequestMissing})
	assert.ErrorIs(t, rm.OnHave(ctx, 4, &wire.Have{Start: 1}), feed.ErrLockAcquisition)
	assert.Empty(t, sender.sent)
}

func TestSendFailure(t *testing.T) {
	s, sender, _ := newTestSession(t, newWriterHandle(t, 1), DefaultConfig())
	sender.err = errors.New("connection reset")

	err := s.OnHandshake(context.Background(), 4, &wire.Handshake{})
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, sender.err)
}

func TestDispatch(t *testing.T) {
	s, sender, hs := newTestSession(t, newWriterHandle(t, 1), DefaultConfig())
	ctx := context.Background()

	require.NoError(t, Dispatch(ctx, s, 4, &wire.Feed{DiscoveryKey: s.Handle().DiscoveryKey()}))
	require.NoError(t, Dispatch(ctx, s, 4, &wire.Handshake{}))
	require.NoError(t, Dispatch(ctx, s, 4, &wire.Want{}))
	require.NoError(t, Dispatch(ctx, s, 4, &wire.Request{Index: 0}))
	assert.Equal(t, 1, hs.feeds)
	assert.Equal(t, 1, hs.handshakes)

	kinds := make([]wire.Kind, len(sender.sent))
	for i, m := range sender.sent {
		kinds[i] = m.msg.Kind()
	}
	assert.Equal(t, []wire.Kind{wire.KindWant, wire.KindHave, wire.KindHave, wire.KindData}, kinds)
}
