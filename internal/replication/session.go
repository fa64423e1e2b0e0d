package replication

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/colmeia/colmeia/internal/bitfield"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/wire"
)

// maxRemoteBits bounds the remote bitfield a peer can make us track. Indices
// past it still raise the remote length but are not recorded.
const maxRemoteBits = 1 << 24

// Session replicates one shared feed over one channel. Handlers must be
// called in channel order and not concurrently; accessors may be called from
// any goroutine.
type Session struct {
	id         uuid.UUID
	channel    uint64
	handle     *feed.Handle
	sender     Sender
	handshaker Handshaker
	config     Config
	log        zerolog.Logger

	mu           sync.Mutex
	state        State
	remoteLength uint64
	remote       *bitfield.Bitfield
}

// NewSession creates a session for channel over handle. The session does not
// take a reference on handle; the caller keeps one for the session's life.
func NewSession(channel uint64, handle *feed.Handle, sender Sender, handshaker Handshaker, config Config) *Session {
	id := uuid.New()
	return &Session{
		id:         id,
		channel:    channel,
		handle:     handle,
		sender:     sender,
		handshaker: handshaker,
		config:     config,
		log: log.With().
			Str("session", id.String()).
			Uint64("channel", channel).
			Hex("discovery_key", handle.DiscoveryKey()).
			Logger(),
		state:  StateAwaitingFeed,
		remote: bitfield.New(),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Channel returns the channel the session owns.
func (s *Session) Channel() uint64 { return s.channel }

// Handle returns the shared feed the session replicates.
func (s *Session) Handle() *feed.Handle { return s.handle }

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteLength returns the best known length of the peer's feed.
func (s *Session) RemoteLength() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteLength
}

// RemoteHas reports whether the peer announced block index.
func (s *Session) RemoteHas(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.Get(index)
}

func (s *Session) checkChannel(channel uint64) error {
	if channel != s.channel {
		return fmt.Errorf("%w: got %d, session owns %d", ErrChannelMismatch, channel, s.channel)
	}
	return nil
}

func (s *Session) send(ctx context.Context, msg wire.Message) error {
	if err := s.sender.Send(ctx, s.channel, msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSend, msg.Kind(), err)
	}
	return nil
}

// OnFeed binds the channel to the announced feed and lets the handshaker
// answer with our own Feed and Handshake.
func (s *Session) OnFeed(ctx context.Context, channel uint64, msg *wire.Feed) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if !bytes.Equal(msg.DiscoveryKey, s.handle.DiscoveryKey()) {
		return ErrFeedMismatch
	}

	s.mu.Lock()
	if s.state == StateAwaitingFeed {
		s.state = StateAwaitingHandshake
	}
	s.mu.Unlock()

	return s.handshaker.OnFeed(ctx, channel, msg)
}

// OnHandshake completes the handshake and asks the peer for its full
// availability with Want{0, 0}.
func (s *Session) OnHandshake(ctx context.Context, channel uint64, msg *wire.Handshake) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if err := s.handshaker.OnHandshake(ctx, channel, msg); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateReplicating
	s.mu.Unlock()
	s.log.Debug().Msg("Handshake complete")

	return s.send(ctx, &wire.Want{Start: 0, Length: 0})
}

// OnWant answers with the availability of the requested range. Ranges that
// are not aligned to bitfield pages are ignored. When the last block of the
// feed is present it is announced first so the peer learns the length.
func (s *Session) OnWant(ctx context.Context, channel uint64, msg *wire.Want) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if msg.Start%bitfield.PageBits != 0 || msg.Length%bitfield.PageBits != 0 {
		s.log.Debug().Uint64("start", msg.Start).Uint64("length", msg.Length).Msg("Ignoring unaligned want")
		return nil
	}

	var replies []wire.Message
	err := s.handle.View(func(f *feed.Feed) error {
		if length := f.Len(); length > 0 && f.Has(length-1) {
			replies = append(replies, &wire.Have{Start: length - 1})
		}
		length := msg.Length
		replies = append(replies, &wire.Have{
			Start:    msg.Start,
			Length:   &length,
			Bitfield: f.Bitfield().Compress(msg.Start, msg.Length),
		})
		return nil
	})
	if err != nil {
		return err
	}

	for _, reply := range replies {
		if err := s.send(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// OnHave records the peer's availability and requests blocks up to the
// announced start.
func (s *Session) OnHave(ctx context.Context, channel uint64, msg *wire.Have) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}

	if msg.Bitfield != nil {
		var length uint64
		if msg.Length != nil {
			length = *msg.Length
		}
		s.mu.Lock()
		extent, err := s.remote.FillEncoded(msg.Bitfield, msg.Start, length, maxRemoteBits)
		if err == nil && extent > s.remoteLength {
			s.remoteLength = extent
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBitfieldDecode, err)
		}
	} else {
		end := msg.Start + msg.BlockCount()
		if end < msg.Start {
			end = math.MaxUint64
		}
		s.mu.Lock()
		s.remote.SetRange(min(msg.Start, maxRemoteBits), min(end, maxRemoteBits), true)
		if end > s.remoteLength {
			s.remoteLength = end
		}
		s.mu.Unlock()
	}

	return s.request(ctx, msg.Start)
}

// request issues Requests for indices 0 through upTo per the session's
// request policy.
func (s *Session) request(ctx context.Context, upTo uint64) error {
	var missing func(uint64) bool
	if s.config.RequestPolicy == RequestMissing {
		var local *bitfield.Bitfield
		err := s.handle.View(func(f *feed.Feed) error {
			local = f.Bitfield().Clone()
			return nil
		})
		if err != nil {
			return err
		}
		missing = func(i uint64) bool { return !local.Get(i) }
	}

	sent := uint64(0)
	for i := uint64(0); ; i++ {
		if missing == nil || missing(i) {
			if s.config.MaxRequests > 0 && sent == s.config.MaxRequests {
				s.log.Debug().Uint64("up_to", upTo).Uint64("sent", sent).Msg("Request cap reached")
				return nil
			}
			if err := s.send(ctx, &wire.Request{Index: i}); err != nil {
				return err
			}
			sent++
		}
		if i == upTo {
			return nil
		}
	}
}

// OnRequest answers with the block and its proof. Requests for blocks the
// feed does not hold are ignored.
func (s *Session) OnRequest(ctx context.Context, channel uint64, msg *wire.Request) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}

	var reply *wire.Data
	err := s.handle.View(func(f *feed.Feed) error {
		if msg.Index >= f.Len() || !f.Has(msg.Index) {
			return nil
		}
		value, err := f.Get(msg.Index)
		if err != nil {
			return err
		}
		proof, err := f.Proof(msg.Index)
		if err != nil {
			return err
		}
		reply = dataMessage(value, proof)
		return nil
	})
	if err != nil {
		return err
	}
	if reply == nil {
		s.log.Debug().Uint64("index", msg.Index).Msg("Ignoring request for missing block")
		return nil
	}
	return s.send(ctx, reply)
}

// OnData admits a block from the peer. The feed verifies the proof; any
// rejection ends the session.
func (s *Session) OnData(ctx context.Context, channel uint64, msg *wire.Data) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}

	proof := AssembleProof(msg)
	var putErr error
	err := s.handle.Update(func(f *feed.Feed) error {
		putErr = f.Put(msg.Index, msg.Value, proof)
		return nil
	})
	if err != nil {
		return err
	}
	if putErr != nil {
		s.log.Warn().Err(putErr).Uint64("index", msg.Index).Msg("Rejected data from peer")
		return fmt.Errorf("%w: block %d: %w", ErrStorageWrite, msg.Index, putErr)
	}
	return nil
}
