// Command colmeiad serves feeds to peers and keeps them in sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/protocol"
	"github.com/colmeia/colmeia/internal/replication"
)

const (
	// DefaultConfigPath is the default path for the colmeiad configuration file.
	DefaultConfigPath = "~/.config/colmeia/colmeiad.yaml"
	// DefaultPIDFile is the default path for the colmeiad PID file.
	DefaultPIDFile = "~/.local/share/colmeia/colmeiad.pid"
)

// Config represents the configuration for the colmeiad daemon.
type Config struct {
	// Feeds are the feed files to serve.
	Feeds []string `yaml:"feeds"`
	// PIDFile is the path to the PID file.
	PIDFile string `yaml:"pid_file"`
	// LogLevel is the logging level.
	LogLevel string `yaml:"log_level"`
	// ListenAddress is the TCP address to accept peers on.
	ListenAddress string `yaml:"listen"`
	// Peers are the known peers every feed is replicated with.
	Peers []string `yaml:"peers"`
	// DiscoveryEnabled indicates whether feeds are announced over mDNS.
	DiscoveryEnabled bool `yaml:"discovery"`
	// SyncInterval is the delay before reconnecting to a peer.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// RequestPolicy selects the blocks requested from peers (all, missing).
	RequestPolicy string `yaml:"request_policy"`
	// MaxRequests caps requests per announcement; zero means no cap.
	MaxRequests uint64 `yaml:"max_requests"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PIDFile:          expandPath(DefaultPIDFile),
		LogLevel:         "info",
		ListenAddress:    ":" + protocol.DefaultPort,
		Peers:            []string{},
		DiscoveryEnabled: true,
		SyncInterval:     30 * time.Second,
		RequestPolicy:    replication.RequestAll.String(),
	}
}

// protocolConfig returns the connection settings for config.
func (c Config) protocolConfig() (protocol.Config, error) {
	policy, err := replication.ParseRequestPolicy(c.RequestPolicy)
	if err != nil {
		return protocol.Config{}, err
	}
	pc := protocol.DefaultConfig()
	pc.Replication.RequestPolicy = policy
	pc.Replication.MaxRequests = c.MaxRequests
	return pc, nil
}

// expandPath expands the ~ in a path to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}

// loadConfigFile overlays the YAML file at path on config. A missing file is
// not an error.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(expandPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func writePIDFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// removePIDFile removes the PID file.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// runDaemon runs the colmeiad daemon with the given configuration.
func runDaemon(config Config) error {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	if err := writePIDFile(config.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(config.PIDFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	d, err := startDaemon(ctx, config)
	if err != nil {
		return err
	}
	log.Info().Str("addr", d.Addr().String()).Int("feeds", len(config.Feeds)).Msg("Colmeiad daemon started")

	err = d.Wait()
	log.Info().Msg("Colmeiad daemon stopped")
	return err
}

func main() {
	config := DefaultConfig()
	var configPath string

	app := &cli.App{
		Name:  "colmeiad",
		Usage: "colmeia feed replication daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the YAML configuration file",
				Value:       DefaultConfigPath,
				Destination: &configPath,
			},
			&cli.StringSliceFlag{
				Name:    "feed",
				Aliases: []string{"f"},
				Usage:   "Feed files to serve",
			},
			&cli.StringFlag{
				Name:    "pid-file",
				Aliases: []string{"p"},
				Usage:   "Path to the PID file",
				Value:   DefaultPIDFile,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"L"},
				Usage:   "Address to listen on",
				Value:   ":" + protocol.DefaultPort,
			},
			&cli.StringSliceFlag{
				Name:    "peer",
				Aliases: []string{"P"},
				Usage:   "Known peers to replicate with",
			},
			&cli.BoolFlag{
				Name:    "discovery",
				Aliases: []string{"d"},
				Usage:   "Announce feeds with mDNS",
				Value:   true,
			},
			&cli.DurationFlag{
				Name:    "sync-interval",
				Aliases: []string{"i"},
				Usage:   "Delay before reconnecting to a peer",
				Value:   30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "Blocks to request from peers (all, missing)",
				Value: replication.RequestAll.String(),
			},
		},
		Action: func(c *cli.Context) error {
			if err := loadConfigFile(configPath, &config); err != nil {
				return err
			}

			// Flags given on the command line override the file.
			if c.IsSet("feed") {
				config.Feeds = c.StringSlice("feed")
			}
			if c.IsSet("pid-file") {
				config.PIDFile = c.String("pid-file")
			}
			if c.IsSet("log-level") {
				config.LogLevel = c.String("log-level")
			}
			if c.IsSet("listen") {
				config.ListenAddress = c.String("listen")
			}
			if c.IsSet("peer") {
				config.Peers = c.StringSlice("peer")
			}
			if c.IsSet("discovery") {
				config.DiscoveryEnabled = c.Bool("discovery")
			}
			if c.IsSet("sync-interval") {
				config.SyncInterval = c.Duration("sync-interval")
			}
			if c.IsSet("policy") {
				config.RequestPolicy = c.String("policy")
			}

			config.PIDFile = expandPath(config.PIDFile)
			for i, path := range config.Feeds {
				config.Feeds[i] = expandPath(path)
			}

			return runDaemon(config)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Colmeiad failed")
		os.Exit(1)
	}
}
