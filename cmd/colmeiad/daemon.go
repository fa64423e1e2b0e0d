package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/colmeia/colmeia/internal/daturl"
	"github.com/colmeia/colmeia/internal/discovery"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/protocol"
	"github.com/colmeia/colmeia/internal/secretstore"
	"github.com/colmeia/colmeia/internal/storage"
)

// daemon serves a set of feeds: it accepts peers, dials the configured ones
// and answers mDNS queries for every feed.
type daemon struct {
	config     Config
	connConfig protocol.Config
	registry   *protocol.Registry
	server     *protocol.Server
	socket     *discovery.Socket

	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// startDaemon opens the configured feeds and starts serving them until ctx
// ends.
func startDaemon(ctx context.Context, config Config) (*daemon, error) {
	pc, err := config.protocolConfig()
	if err != nil {
		return nil, err
	}
	d := &daemon{
		config:     config,
		connConfig: pc,
		registry:   protocol.NewRegistry(),
	}

	for _, path := range config.Feeds {
		f, err := openFeed(path)
		if err != nil {
			d.closeFeeds()
			return nil, err
		}
		d.registry.Add(feed.NewHandle(f))
		log.Info().Str("path", path).Str("url", daturl.String(f.PublicKey())).Bool("writable", f.Writable()).Msg("Serving feed")
	}

	d.server, err = protocol.Listen(config.ListenAddress, d.registry, pc)
	if err != nil {
		d.closeFeeds()
		return nil, err
	}
	d.goRun(func() error { return d.server.Serve(ctx) })

	if config.DiscoveryEnabled {
		if err := d.announce(ctx); err != nil {
			log.Warn().Err(err).Msg("MDNS discovery disabled")
		}
	}

	for _, peer := range config.Peers {
		d.wg.Add(1)
		go func(peer string) {
			defer d.wg.Done()
			d.syncPeer(ctx, peer)
		}(peer)
	}
	return d, nil
}

// Addr returns the address peers connect to.
func (d *daemon) Addr() net.Addr { return d.server.Addr() }

// Wait blocks until every component has stopped, then closes the feeds.
func (d *daemon) Wait() error {
	d.wg.Wait()
	if d.socket != nil {
		d.socket.Close()
	}
	d.closeFeeds()
	return d.err
}

func (d *daemon) goRun(fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			d.errOnce.Do(func() { d.err = err })
		}
	}()
}

func (d *daemon) closeFeeds() {
	for _, h := range d.registry.Handles() {
		d.registry.Remove(h.DiscoveryKey())
		if err := h.Release(); err != nil {
			log.Warn().Err(err).Hex("discovery_key", h.DiscoveryKey()).Msg("Failed to close feed")
		}
	}
}

// announce answers mDNS queries for every served feed with the listening
// port; peers take the address from the answer's source.
func (d *daemon) announce(ctx context.Context) error {
	socket, err := discovery.Listen(discovery.DefaultConfig())
	if err != nil {
		return err
	}
	tcp, ok := d.server.Addr().(*net.TCPAddr)
	if !ok {
		socket.Close()
		return fmt.Errorf("unexpected listen address %s", d.server.Addr())
	}
	responder := discovery.NewResponder(socket, netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(tcp.Port)))
	for _, dk := range d.registry.DiscoveryKeys() {
		if err := responder.Announce(dk); err != nil {
			socket.Close()
			return err
		}
	}
	d.socket = socket
	d.goRun(func() error { return responder.Serve(ctx) })
	return nil
}

// syncPeer keeps a connection to peer open, replicating every served feed,
// and reconnects after SyncInterval when it drops.
func (d *daemon) syncPeer(ctx context.Context, peer string) {
	for {
		err := d.replicateWith(ctx, peer)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("peer", peer).Dur("retry_in", d.config.SyncInterval).Msg("Peer sync failed")
		} else {
			log.Info().Str("peer", peer).Dur("retry_in", d.config.SyncInterval).Msg("Peer disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.SyncInterval):
		}
	}
}

func (d *daemon) replicateWith(ctx context.Context, peer string) error {
	conn, err := protocol.Dial(ctx, peer, d.registry, d.connConfig)
	if err != nil {
		return err
	}
	for _, h := range d.registry.Handles() {
		if _, err := conn.Replicate(ctx, h); err != nil {
			conn.Close()
			return err
		}
	}
	log.Info().Str("peer", peer).Msg("Replicating with peer")
	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openFeed opens a feed file, writable when the secret store holds its key.
func openFeed(path string) (*feed.Feed, error) {
	st, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed file '%s': %w", path, err)
	}
	publicKey, err := feed.StoredPublicKey(st)
	if err != nil {
		st.Close()
		if errors.Is(err, feed.ErrNotFound) {
			return nil, fmt.Errorf("'%s' is not a feed file", path)
		}
		return nil, err
	}

	secretKey, err := secretstore.FeedKey(secretstore.Default, publicKey)
	if err != nil && !errors.Is(err, secretstore.ErrNotFound) {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring unusable secret key")
	}
	f, err := feed.Open(st, publicKey, secretKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	return f, nil
}
