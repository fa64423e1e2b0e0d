package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/colmeia/colmeia/internal/log"
)

// Responder answers queries for announced feeds with this node's address.
type Responder struct {
	socket *Socket
	addr   netip.AddrPort

	mu    sync.RWMutex
	names map[string]dnsmessage.Name
}

// NewResponder answers on socket with addr, usually an unspecified address
// and the replication port so peers use the packet source.
func NewResponder(socket *Socket, addr netip.AddrPort) *Responder {
	return &Responder{
		socket: socket,
		addr:   addr,
		names:  make(map[string]dnsmessage.Name),
	}
}

// Announce starts answering for discoveryKey.
func (r *Responder) Announce(discoveryKey []byte) error {
	name, err := Name(discoveryKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[strings.ToLower(name.String())] = name
	return nil
}

// Unannounce stops answering for discoveryKey.
func (r *Responder) Unannounce(discoveryKey []byte) {
	name, err := Name(discoveryKey)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, strings.ToLower(name.String()))
}

// Serve answers queries until ctx ends or the socket fails.
func (r *Responder) Serve(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, from, err := r.socket.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive mDNS message: %w", err)
		}
		if msg == nil {
			continue
		}
		for _, q := range QueriedNames(msg) {
			if err := r.answer(msg.Header.ID, q, from); err != nil {
				log.Warn().Err(err).Msg("Failed to answer mDNS query")
			}
		}
	}
	return nil
}

func (r *Responder) answer(id uint16, q dnsmessage.Name, from netip.AddrPort) error {
	r.mu.RLock()
	name, ok := r.names[strings.ToLower(q.String())]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	log.Debug().Str("name", name.String()).Str("from", from.String()).Msg("Answering mDNS query")
	return r.socket.Send(NewAnswer(id, name, []netip.AddrPort{r.addr}))
}

// Lookup queries for discoveryKey every QueryInterval until ctx ends and
// returns the distinct peers that answered. found, if not nil, is called for
// each new peer as it arrives.
func Lookup(ctx context.Context, socket *Socket, config Config, discoveryKey []byte, found func(netip.AddrPort)) ([]netip.AddrPort, error) {
	name, err := Name(discoveryKey)
	if err != nil {
		return nil, err
	}
	interval := config.QueryInterval
	if interval <= 0 {
		interval = DefaultConfig().QueryInterval
	}

	var (
		peers []netip.AddrPort
		seen  = make(map[netip.AddrPort]bool)
		next  time.Time
	)
	for ctx.Err() == nil {
		if now := time.Now(); !now.Before(next) {
			query, err := NewQuery(randomID(), discoveryKey)
			if err != nil {
				return peers, err
			}
			if err := socket.Send(query); err != nil {
				return peers, err
			}
			next = now.Add(interval)
		}

		msg, from, err := socket.Receive()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return peers, fmt.Errorf("failed to receive mDNS message: %w", err)
		}
		if msg == nil {
			continue
		}
		for _, p := range AnswerPeers(msg, name, from.Addr()) {
			if seen[p] {
				continue
			}
			seen[p] = true
			peers = append(peers, p)
			if found != nil {
				found(p)
			}
		}
	}
	return peers, nil
}

func randomID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}
