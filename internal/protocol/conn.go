package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/replication"
	"github.com/colmeia/colmeia/internal/wire"
)

type openChannel struct {
	session   *replication.Session
	handshake *handshaker
}

// Conn is one connection to a peer. Inbound frames are handled in order by
// Run; outbound frames are queued by Send and written by a background writer
// so a handler never blocks on a peer that is itself busy writing.
type Conn struct {
	rwc      io.ReadWriteCloser
	frames   *wire.FrameReader
	registry *Registry
	config   Config
	id       uuid.UUID
	log      zerolog.Logger

	mu          sync.Mutex
	channels    map[uint64]*openChannel
	nextChannel uint64
	remoteID    []byte

	outMu    sync.Mutex
	outCond  *sync.Cond
	outQueue [][]byte
	outErr   error
	closing  bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn wraps rwc. The initiator (dialing) side allocates even channel
// numbers and the accepting side odd ones. Close must be called to stop the
// writer; Run does so on return.
func NewConn(rwc io.ReadWriteCloser, registry *Registry, initiator bool, config Config) *Conn {
	c := &Conn{
		rwc:      rwc,
		frames:   wire.NewFrameReader(rwc, config.MaxFrameSize),
		registry: registry,
		config:   config,
		id:       uuid.New(),
		channels: make(map[uint64]*openChannel),
	}
	if !initiator {
		c.nextChannel = 1
	}
	logCtx := log.With().Str("conn", c.id.String())
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		logCtx = logCtx.Str("remote", nc.RemoteAddr().String())
	}
	c.log = logCtx.Logger()
	c.outCond = sync.NewCond(&c.outMu)

	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Dial connects to addr over TCP. A missing port defaults to DefaultPort.
func Dial(ctx context.Context, addr string, registry *Registry, config Config) (*Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = DefaultPort
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP: %w", err)
	}
	return NewConn(nc, registry, true, config), nil
}

// ID returns the identifier this side announces in handshakes.
func (c *Conn) ID() uuid.UUID { return c.id }

// RemoteID returns the identifier from the peer's first handshake, or nil.
func (c *Conn) RemoteID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

func (c *Conn) setRemoteID(id []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteID == nil {
		c.remoteID = id
	} else if !bytes.Equal(c.remoteID, id) {
		c.log.Warn().Hex("id", id).Msg("Peer changed handshake id between channels")
	}
}

// Send queues msg on channel. It fails once the connection is closed or a
// write has failed.
func (c *Conn) Send(ctx context.Context, channel uint64, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := wire.AppendFrame(nil, channel, msg)

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outErr != nil {
		return c.outErr
	}
	if c.closing {
		return ErrConnClosed
	}
	c.outQueue = append(c.outQueue, frame)
	c.outCond.Signal()
	return nil
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		c.outMu.Lock()
		for len(c.outQueue) == 0 && !c.closing {
			c.outCond.Wait()
		}
		if c.closing {
			c.outMu.Unlock()
			return
		}
		batch := c.outQueue
		c.outQueue = nil
		c.outMu.Unlock()

		if err := c.write(batch); err != nil {
			c.outMu.Lock()
			c.outErr = err
			c.outMu.Unlock()
			c.log.Debug().Err(err).Msg("Write failed")
			c.rwc.Close()
			return
		}
	}
}

func (c *Conn) write(batch [][]byte) error {
	if nc, ok := c.rwc.(net.Conn); ok && c.config.WriteTimeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer nc.SetWriteDeadline(time.Time{})
	}
	var buf []byte
	if len(batch) == 1 {
		buf = batch[0]
	} else {
		for _, frame := range batch {
			buf = append(buf, frame...)
		}
	}
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("failed to write frames: %w", err)
	}
	return nil
}

// Replicate opens a channel for h and sends our Feed and Handshake. The
// connection holds its own reference on h until the channel closes.
func (c *Conn) Replicate(ctx context.Context, h *feed.Handle) (*replication.Session, error) {
	ref, err := h.Acquire()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextChannel
	for c.channels[id] != nil {
		id += 2
	}
	c.nextChannel = id + 2
	ch := c.newChannel(id, ref)
	c.mu.Unlock()

	if err := ch.handshake.open(ctx, id); err != nil {
		c.closeChannel(id)
		return nil, err
	}
	c.log.Debug().Uint64("channel", id).Hex("discovery_key", h.DiscoveryKey()).Msg("Opened channel")
	return ch.session, nil
}

// newChannel registers a channel; c.mu must be held.
func (c *Conn) newChannel(id uint64, h *feed.Handle) *openChannel {
	hs := &handshaker{conn: c, discoveryKey: h.DiscoveryKey()}
	ch := &openChannel{
		session:   replication.NewSession(id, h, c, hs, c.config.Replication),
		handshake: hs,
	}
	c.channels[id] = ch
	return ch
}

// accept opens a channel the peer announced with a Feed for a registered
// feed.
func (c *Conn) accept(id uint64, discoveryKey []byte) (*openChannel, error) {
	h, ok := c.registry.Get(discoveryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownFeed, discoveryKey)
	}
	ref, err := h.Acquire()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[id] != nil {
		ref.Release()
		return nil, fmt.Errorf("%w: %d", ErrChannelInUse, id)
	}
	return c.newChannel(id, ref), nil
}

func (c *Conn) channel(id uint64) *openChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

func (c *Conn) closeChannel(id uint64) {
	c.mu.Lock()
	ch := c.channels[id]
	delete(c.channels, id)
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.session.Handle().Release(); err != nil {
		c.log.Warn().Err(err).Uint64("channel", id).Msg("Failed to release feed")
	}
}

// Sessions returns the open sessions ordered by channel.
func (c *Conn) Sessions() []*replication.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*replication.Session, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.session)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Channel() < out[b].Channel() })
	return out
}

// Run reads and dispatches frames until the peer hangs up, ctx ends or the
// connection fails. A session error closes only that session's channel. Run
// closes the connection before returning.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.rwc.Close() })
	defer stop()

	for {
		frame, err := c.frames.ReadFrame()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF), c.isClosing():
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame wire.Frame) error {
	msg, err := frame.Message()
	if errors.Is(err, wire.ErrUnknownKind) {
		c.log.Debug().Uint64("channel", frame.Channel).Stringer("kind", frame.Kind).Msg("Ignoring unsupported message")
		return nil
	}
	if err != nil {
		return err
	}

	ch := c.channel(frame.Channel)
	if ch == nil {
		announce, ok := msg.(*wire.Feed)
		if !ok {
			c.log.Debug().Uint64("channel", frame.Channel).Stringer("kind", frame.Kind).Msg("Ignoring message on closed channel")
			return nil
		}
		ch, err = c.accept(frame.Channel, announce.DiscoveryKey)
		if err != nil {
			c.log.Info().Err(err).Uint64("channel", frame.Channel).Msg("Refusing channel")
			return nil
		}
		c.log.Debug().Uint64("channel", frame.Channel).Hex("discovery_key", announce.DiscoveryKey).Msg("Peer opened channel")
	}

	if err := replication.Dispatch(ctx, ch.session, frame.Channel, msg); err != nil {
		c.log.Warn().Err(err).Uint64("channel", frame.Channel).Str("session", ch.session.ID().String()).Msg("Closing channel")
		c.closeChannel(frame.Channel)
		if errors.Is(err, replication.ErrSend) {
			return err
		}
	}
	return nil
}

func (c *Conn) isClosing() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.closing
}

// Close closes the connection and every open channel.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.outMu.Lock()
		c.closing = true
		c.outCond.Broadcast()
		c.outMu.Unlock()

		err = c.rwc.Close()
		c.wg.Wait()

		c.mu.Lock()
		ids := make([]uint64, 0, len(c.channels))
		for id := range c.channels {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.closeChannel(id)
		}
		c.log.Debug().Msg("Connection closed")
	})
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
