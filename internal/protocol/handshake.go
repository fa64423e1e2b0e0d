package protocol

import (
	"context"
	"sync"

	"github.com/colmeia/colmeia/internal/wire"
)

// handshaker sends our Feed and Handshake at most once per channel and
// records the peer's handshake.
type handshaker struct {
	conn          *Conn
	mu            sync.Mutex
	discoveryKey  []byte
	sentFeed      bool
	sentHandshake bool
	remote        *wire.Handshake
}

func (h *handshaker) open(ctx context.Context, channel uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sentFeed {
		if err := h.conn.Send(ctx, channel, &wire.Feed{DiscoveryKey: h.discoveryKey}); err != nil {
			return err
		}
		h.sentFeed = true
	}
	if !h.sentHandshake {
		msg := &wire.Handshake{ID: h.conn.id[:], Live: h.conn.config.Live}
		if err := h.conn.Send(ctx, channel, msg); err != nil {
			return err
		}
		h.sentHandshake = true
	}
	return nil
}

func (h *handshaker) OnFeed(ctx context.Context, channel uint64, _ *wire.Feed) error {
	return h.open(ctx, channel)
}

func (h *handshaker) OnHandshake(_ context.Context, _ uint64, msg *wire.Handshake) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote != nil {
		return ErrDuplicateHandshake
	}
	h.remote = msg
	h.conn.setRemoteID(msg.ID)
	return nil
}
