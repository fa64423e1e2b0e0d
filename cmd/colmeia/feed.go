package main

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/colmeia/colmeia/internal/daturl"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/secretstore"
	"github.com/colmeia/colmeia/internal/storage"
)

// openFeed opens the feed file at path. A writable feed needs its secret key
// in the secret store.
func openFeed(path string, writable bool) (*feed.Feed, error) {
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

	var secretKey ed25519.PrivateKey
	if writable {
		sk, err := secretstore.FeedKey(secretstore.Default, publicKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to get secret key from secret store: %w", err)
		}
		secretKey = sk
	}

	f, err := feed.Open(st, publicKey, secretKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	return f, nil
}

// hasSecretKey reports whether the secret store holds the key for publicKey.
func hasSecretKey(publicKey ed25519.PublicKey) bool {
	_, err := secretstore.FeedKey(secretstore.Default, publicKey)
	return err == nil
}

var createCmd = &cli.Command{
	Name:      "create",
	Usage:     "create a new writable feed",
	ArgsUsage: "<feed.db>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: create <feed.db>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("'%s' already exists", path)
		}

		st, err := storage.Open(path)
		if err != nil {
			return fmt.Errorf("failed to create feed file '%s': %w", path, err)
		}
		f, err := feed.Create(st)
		if err != nil {
			st.Close()
			return err
		}
		defer f.Close()

		if err := secretstore.PutFeedKey(secretstore.Default, f.PublicKey(), f.SecretKey()); err != nil {
			return fmt.Errorf("failed to store secret key: %w", err)
		}
		log.Info().Str("path", path).Hex("discovery_key", f.DiscoveryKey()).Msg("Feed created")
		fmt.Fprintln(c.App.Writer, daturl.String(f.PublicKey()))
		return nil
	},
}

var appendCmd = &cli.Command{
	Name:      "append",
	Usage:     "append each file, or each line of standard input, as a block",
	ArgsUsage: "<feed.db> [file...]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("Usage: append <feed.db> [file...]", 1)
		}
		f, err := openFeed(c.Args().First(), true)
		if err != nil {
			return err
		}
		defer f.Close()

		var blocks [][]byte
		if c.NArg() == 1 {
			blocks, err = readLines(c.App.Reader)
			if err != nil {
				return err
			}
		} else {
			for _, name := range c.Args().Slice()[1:] {
				data, err := os.ReadFile(name)
				if err != nil {
					return fmt.Errorf("failed to read '%s': %w", name, err)
				}
				blocks = append(blocks, data)
			}
		}
		if len(blocks) == 0 {
			return cli.Exit("nothing to append", 1)
		}

		if err := f.Append(blocks...); err != nil {
			return fmt.Errorf("failed to append: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "appended %d blocks, length %d\n", len(blocks), f.Len())
		return nil
	},
}

func readLines(r io.Reader) ([][]byte, error) {
	var lines [][]byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return lines, nil
}

var infoCmd = &cli.Command{
	Name:      "info",
	Usage:     "show a feed's keys and length",
	ArgsUsage: "<feed.db>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: info <feed.db>", 1)
		}
		f, err := openFeed(c.Args().First(), false)
		if err != nil {
			return err
		}
		defer f.Close()

		w := c.App.Writer
		fmt.Fprintf(w, "url:           %s\n", daturl.String(f.PublicKey()))
		fmt.Fprintf(w, "discovery key: %s\n", hex.EncodeToString(f.DiscoveryKey()))
		fmt.Fprintf(w, "length:        %d\n", f.Len())
		fmt.Fprintf(w, "downloaded:    %d\n", f.Downloaded())
		fmt.Fprintf(w, "writable:      %t\n", hasSecretKey(f.PublicKey()))
		return nil
	},
}

var catCmd = &cli.Command{
	Name:      "cat",
	Usage:     "print every downloaded block, one per line",
	ArgsUsage: "<feed.db>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: cat <feed.db>", 1)
		}
		f, err := openFeed(c.Args().First(), false)
		if err != nil {
			return err
		}
		defer f.Close()
		return printBlocks(c.App.Writer, f)
	},
}

func printBlocks(w io.Writer, f *feed.Feed) error {
	for i := uint64(0); i < f.Len(); i++ {
		if !f.Has(i) {
			continue
		}
		data, err := f.Get(i)
		if err != nil {
			return fmt.Errorf("failed to read block %d: %w", i, err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}
