// Package protocol multiplexes replication sessions over one connection. Each
// channel on a connection replicates one feed; channels are opened by either
// side with a Feed message.
package protocol

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/replication"
	"github.com/colmeia/colmeia/internal/wire"
)

// Common errors returned by the protocol package.
var (
	ErrConnClosed         = errors.New("connection closed")
	ErrUnknownFeed        = errors.New("unknown feed")
	ErrDuplicateHandshake = errors.New("duplicate handshake")
	ErrChannelInUse       = errors.New("channel already open")
)

// DefaultPort is the port used when an address has none.
const DefaultPort = "3282"

// Config contains configuration options for connections.
type Config struct {
	// ConnectTimeout is the timeout for establishing a connection.
	ConnectTimeout time.Duration
	// KeepAliveInterval is the TCP keep-alive period.
	KeepAliveInterval time.Duration
	// WriteTimeout bounds a single write to the peer. Zero disables it.
	WriteTimeout time.Duration
	// MaxFrameSize bounds inbound frames.
	MaxFrameSize int
	// Live is announced in handshakes. Live peers keep channels open after
	// catching up.
	Live bool
	// Replication configures the sessions opened on the connection.
	Replication replication.Config
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxFrameSize:      wire.DefaultMaxFrameSize,
		Live:              true,
		Replication:       replication.DefaultConfig(),
	}
}

// Registry maps discovery keys to the feeds a node is willing to replicate.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*feed.Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]*feed.Handle)}
}

// Add registers h under its discovery key, replacing any previous handle.
func (r *Registry) Add(h *feed.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[hex.EncodeToString(h.DiscoveryKey())] = h
}

// Get returns the handle for discoveryKey.
func (r *Registry) Get(discoveryKey []byte) (*feed.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.feeds[hex.EncodeToString(discoveryKey)]
	return h, ok
}

// Remove unregisters the handle for discoveryKey and returns it.
func (r *Registry) Remove(discoveryKey []byte) (*feed.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := hex.EncodeToString(discoveryKey)
	h, ok := r.feeds[key]
	delete(r.feeds, key)
	return h, ok
}

// Handles returns every registered handle.
func (r *Registry) Handles() []*feed.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*feed.Handle, 0, len(r.feeds))
	for _, h := range r.feeds {
		out = append(out, h)
	}
	return out
}

// DiscoveryKeys returns the discovery keys of every registered feed.
func (r *Registry) DiscoveryKeys() [][]byte {
	handles := r.Handles()
	out := make([][]byte, len(handles))
	for i, h := range handles {
		out[i] = h.DiscoveryKey()
	}
	return out
}
