// Command colmeia creates, inspects and clones feeds.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/colmeia/colmeia/internal/log"
)

const version = "0.1.0-dev"

func newApp() *cli.App {
	return &cli.App{
		Name:    "colmeia",
		Usage:   "append-only feeds replicated between peers",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose output",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			createCmd,
			appendCmd,
			infoCmd,
			catCmd,
			cloneCmd,
			lookupCmd,
		},
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signalCh)
		select {
		case sig := <-signalCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Colmeia failed")
		os.Exit(1)
	}
}
