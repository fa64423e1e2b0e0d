package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/colmeia/colmeia/internal/crypto"
	"github.com/colmeia/colmeia/internal/daturl"
	"github.com/colmeia/colmeia/internal/discovery"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/protocol"
	"github.com/colmeia/colmeia/internal/replication"
	"github.com/colmeia/colmeia/internal/storage"
)

// cloneCmd is the command for downloading a feed from a peer
var cloneCmd = &cli.Command{
	Name:      "clone",
	Usage:     "download a feed from a peer, found on the local network when no address is given",
	ArgsUsage: "<dat-url> [host:port]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Feed file to clone into; the clone is kept in memory when empty",
		},
		&cli.IntFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "Timeout in seconds for the operation",
			Value:   60,
		},
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Blocks to request after each announcement (all, missing)",
			Value: replication.RequestAll.String(),
		},
		&cli.Uint64Flag{
			Name:  "max-requests",
			Usage: "Maximum requests sent per announcement, 0 for no limit",
		},
		&cli.BoolFlag{
			Name:    "print",
			Aliases: []string{"p"},
			Usage:   "Print the downloaded blocks",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 || c.NArg() > 2 {
			return cli.Exit("Usage: clone <dat-url> [host:port]", 1)
		}
		publicKey, err := daturl.Parse(c.Args().First())
		if err != nil {
			return err
		}
		policy, err := replication.ParseRequestPolicy(c.String("policy"))
		if err != nil {
			return err
		}

		config := protocol.DefaultConfig()
		config.Live = false
		config.Replication.RequestPolicy = policy
		config.Replication.MaxRequests = c.Uint64("max-requests")

		ctx, cancel := context.WithTimeout(c.Context, time.Duration(c.Int("timeout"))*time.Second)
		defer cancel()
		ctx, stop := signalContext(ctx)
		defer stop()

		f, err := openReplica(c.String("out"), publicKey)
		if err != nil {
			return err
		}
		h := feed.NewHandle(f)
		defer h.Release()

		addr := c.Args().Get(1)
		if addr == "" {
			peer, err := discoverPeer(ctx, f.DiscoveryKey())
			if err != nil {
				return err
			}
			addr = peer.String()
		}

		if err := clone(ctx, addr, h, config); err != nil {
			return err
		}

		return h.View(func(f *feed.Feed) error {
			log.Info().Uint64("length", f.Len()).Uint64("downloaded", f.Downloaded()).Msg("Clone finished")
			if c.Bool("print") {
				return printBlocks(c.App.Writer, f)
			}
			fmt.Fprintf(c.App.Writer, "downloaded %d of %d blocks\n", f.Downloaded(), f.Len())
			return nil
		})
	},
}

// openReplica opens a read-only feed for publicKey in the file at path, or in
// memory when path is empty.
func openReplica(path string, publicKey ed25519.PublicKey) (*feed.Feed, error) {
	if path == "" {
		return feed.Open(feed.NewMemoryStorage(), publicKey, nil)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	st, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed file '%s': %w", path, err)
	}
	f, err := feed.Open(st, publicKey, nil)
	if err != nil {
		st.Close()
		if errors.Is(err, feed.ErrKeyMismatch) {
			return nil, fmt.Errorf("'%s' holds a different feed", path)
		}
		return nil, err
	}
	return f, nil
}

// clone replicates h from addr until the local copy has every block the peer
// announced, the peer hangs up or ctx ends.
func clone(ctx context.Context, addr string, h *feed.Handle, config protocol.Config) error {
	registry := protocol.NewRegistry()
	registry.Add(h)

	conn, err := protocol.Dial(ctx, addr, registry, config)
	if err != nil {
		return err
	}
	defer conn.Close()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	done := make(chan error, 1)
	go func() { done <- conn.Run(runCtx) }()

	session, err := conn.Replicate(ctx, h)
	if err != nil {
		return err
	}
	log.Info().Str("peer", addr).Str("session", session.ID().String()).Msg("Starting clone")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("replication failed: %w", err)
			}
			return nil
		case <-ctx.Done():
			stopRun()
			<-done
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn().Uint64("remote_length", session.RemoteLength()).Msg("Clone timed out")
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			ok, err := caughtUp(h, session.RemoteLength())
			if err != nil || ok {
				stopRun()
				<-done
				return err
			}
		}
	}
}

func caughtUp(h *feed.Handle, remoteLength uint64) (bool, error) {
	if remoteLength == 0 {
		return false, nil
	}
	done := false
	err := h.View(func(f *feed.Feed) error {
		done = f.Len() >= remoteLength && f.Downloaded() >= remoteLength
		return nil
	})
	return done, err
}

// discoverPeer asks the local network for peers of the feed and returns the
// first to answer.
func discoverPeer(ctx context.Context, discoveryKey []byte) (netip.AddrPort, error) {
	socket, err := discovery.Listen(discovery.DefaultConfig())
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer socket.Close()

	lookupCtx, found := context.WithCancel(ctx)
	defer found()
	peers, err := discovery.Lookup(lookupCtx, socket, discovery.DefaultConfig(), discoveryKey, func(p netip.AddrPort) {
		log.Info().Str("peer", p.String()).Msg("Found peer")
		found()
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(peers) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no peers found for %x", discoveryKey)
	}
	return peers[0], nil
}

var lookupCmd = &cli.Command{
	Name:      "lookup",
	Usage:     "list peers announcing a feed on the local network",
	ArgsUsage: "<dat-url>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "Seconds to wait for answers",
			Value:   5,
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: lookup <dat-url>", 1)
		}
		publicKey, err := daturl.Parse(c.Args().First())
		if err != nil {
			return err
		}
		discoveryKey, err := crypto.DiscoveryKey(publicKey)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(c.Context, time.Duration(c.Int("timeout"))*time.Second)
		defer cancel()
		ctx, stop := signalContext(ctx)
		defer stop()

		socket, err := discovery.Listen(discovery.DefaultConfig())
		if err != nil {
			return err
		}
		defer socket.Close()

		_, err = discovery.Lookup(ctx, socket, discovery.DefaultConfig(), discoveryKey, func(p netip.AddrPort) {
			fmt.Fprintln(c.App.Writer, p.String())
		})
		return err
	},
}
