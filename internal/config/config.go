// Package config loads the TOML configuration shared by the echodvc commands.
// Keys left out of the file keep their defaults.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/Zereker/dvc"
	"github.com/Zereker/dvc/plugin"
)

// Transports a client can open a channel over.
const (
	TransportWTS  = "wts"
	TransportUnix = "unix"
)

// Config is the resolved configuration.
type Config struct {
	// Channel is the dynamic virtual channel name.
	Channel   string
	Transport string
	// Socket is the unix transport's socket path. Empty derives one from
	// Channel, see SocketPath.
	Socket string

	ChunkLength      int
	Timeout          time.Duration
	Mode             dvc.Mode
	StrictOrdering   bool
	MaxWriteLength   int
	MaxMessageLength int

	Verbose     bool
	MetricsAddr string

	Peer   PeerConfig
	AddIns []plugin.AddIn
}

// PeerConfig configures the echo peer host.
type PeerConfig struct {
	Network         string
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Channel          string `toml:"channel"`
	Transport        string `toml:"transport"`
	Socket           string `toml:"socket"`
	ChunkLength      int    `toml:"chunk_length"`
	Timeout          string `toml:"timeout"`
	Mode             string `toml:"mode"`
	StrictOrdering   bool   `toml:"strict_ordering"`
	MaxWriteLength   any    `toml:"max_write_length"`
	MaxMessageLength any    `toml:"max_message_length"`
	Verbose          bool   `toml:"verbose"`
	MetricsAddr      string `toml:"metrics_addr"`

	Peer struct {
		Network         string `toml:"network"`
		IdleTimeout     string `toml:"idle_timeout"`
		ShutdownTimeout string `toml:"shutdown_timeout"`
	} `toml:"peer"`

	AddIns []plugin.AddIn `toml:"addins"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	transport := TransportUnix
	if runtime.GOOS == "windows" {
		transport = TransportWTS
	}

	return Config{
		Channel:        plugin.EchoChannelName,
		Transport:      transport,
		ChunkLength:    dvc.DefaultChunkLength,
		Mode:           dvc.ModeGeneral,
		StrictOrdering: true,
		MaxWriteLength: dvc.DefaultMaxWriteLength,
		Peer: PeerConfig{
			Network:     "unixpacket",
			IdleTimeout: 5 * time.Minute,
		},
		AddIns: []plugin.AddIn{{Name: plugin.EchoName, CLSID: plugin.EchoCLSID}},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}

	if meta.IsDefined("channel") {
		cfg.Channel = strings.TrimSpace(raw.Channel)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("chunk_length") {
		cfg.ChunkLength = raw.ChunkLength
	}

	if meta.IsDefined("timeout") {
		if cfg.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("mode") {
		if cfg.Mode, err = parseMode(raw.Mode); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("strict_ordering") {
		cfg.StrictOrdering = raw.StrictOrdering
	}

	if meta.IsDefined("max_write_length") {
		if cfg.MaxWriteLength, err = parseSize("max_write_length", raw.MaxWriteLength); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("max_message_length") {
		if cfg.MaxMessageLength, err = parseSize("max_message_length", raw.MaxMessageLength); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("peer", "network") {
		cfg.Peer.Network = strings.TrimSpace(raw.Peer.Network)
	}

	if meta.IsDefined("peer", "idle_timeout") {
		if cfg.Peer.IdleTimeout, err = parseDuration("peer.idle_timeout", raw.Peer.IdleTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("peer", "shutdown_timeout") {
		if cfg.Peer.ShutdownTimeout, err = parseDuration("peer.shutdown_timeout", raw.Peer.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("addins") {
		cfg.AddIns = raw.AddIns
	}

	return cfg, cfg.Validate()
}

// Validate reports settings no channel can be opened with.
func (c Config) Validate() error {
	if c.Channel == "" {
		return errors.New("config: channel name is empty")
	}

	switch c.Transport {
	case TransportWTS, TransportUnix:
	default:
		return errors.Errorf("config: unknown transport %q", c.Transport)
	}

	if c.ChunkLength <= 0 {
		return errors.Errorf("config: chunk_length must be positive, got %d", c.ChunkLength)
	}

	if c.Timeout < 0 || c.Peer.IdleTimeout < 0 || c.Peer.ShutdownTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}

	return nil
}

// SocketPath returns the unix socket the channel is reached on.
func (c Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return filepath.Join(os.TempDir(), "dvc-"+strings.ToLower(c.Channel)+".sock")
}

// AddInTable returns the configured add-ins as a plugin table.
func (c Config) AddInTable() *plugin.AddIns {
	return plugin.NewAddIns(c.AddIns...)
}

// ChannelOptions returns the channel options the configuration selects.
func (c Config) ChannelOptions() []dvc.Option {
	return []dvc.Option{
		dvc.ChunkLengthOption(c.ChunkLength),
		dvc.TimeoutOption(c.Timeout),
		dvc.ModeOption(c.Mode),
		dvc.StrictOrderingOption(c.StrictOrdering),
		dvc.MaxWriteLengthOption(c.MaxWriteLength),
		dvc.MaxMessageLengthOption(c.MaxMessageLength),
	}
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

// parseSize accepts integer byte counts and humanized sizes like "64KiB".
func parseSize(key string, v any) (int, error) {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return 0, errors.Errorf("parse %s: negative size %d", key, v)
		}
		return int(v), nil
	case string:
		n, err := humanize.ParseBytes(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.Wrapf(err, "parse %s", key)
		}
		return int(n), nil
	default:
		return 0, errors.Errorf("parse %s: expected a byte count or size string, got %T", key, v)
	}
}

func parseMode(v string) (dvc.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", dvc.ModeGeneral.String():
		return dvc.ModeGeneral, nil
	case dvc.ModeSingleFragment.String(), "single_fragment":
		return dvc.ModeSingleFragment, nil
	default:
		return dvc.ModeGeneral, errors.Errorf("parse mode: unknown mode %q", v)
	}
}
