package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/dvc/plugin"
)

// ErrListenerExists is returned when two plugins listen on the same channel.
var ErrListenerExists = errors.New("peer: listener already exists")

// Config configures a Host.
type Config struct {
	// Channel is the channel name accepted connections are opened on.
	Channel string
	// ChunkLength is the payload size of outgoing chunks.
	ChunkLength int
	// MaxMessageLength bounds a message received from a client.
	MaxMessageLength int
	// IdleTimeout drops connections that stall for longer.
	IdleTimeout time.Duration

	Logger     Logger
	Registerer prometheus.Registerer
}

// Host runs plugins outside a remote desktop session. It is the plugins'
// ChannelManager and the server's Handler: every accepted connection becomes
// one channel instance offered to the listener registered for Config.Channel.
type Host struct {
	cfg      Config
	registry *plugin.Registry
	logger   Logger
	metrics  *hostMetrics

	mu        sync.Mutex
	ctx       context.Context
	plugins   []plugin.Plugin
	listeners map[string]plugin.ListenerCallback
	conns     map[*Conn]struct{}
}

// NewHost returns a Host creating plugins from registry.
func NewHost(registry *plugin.Registry, cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = plugin.EchoChannelName
	}

	return &Host{
		cfg:       cfg,
		registry:  registry,
		logger:    cfg.Logger,
		metrics:   newHostMetrics(cfg.Registerer),
		ctx:       context.Background(),
		listeners: make(map[string]plugin.ListenerCallback),
		conns:     make(map[*Conn]struct{}),
	}
}

// Load creates, initializes and connects every plugin in addins. Connections
// accepted afterwards run under ctx. Plugins that fail are skipped and their
// errors returned together.
func (h *Host) Load(ctx context.Context, addins *plugin.AddIns) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	var result *multierror.Error
	for _, addin := range addins.Entries() {
		p, err := h.registry.Create(addin.CLSID)
		if err != nil {
			result = multierror.Append(result, pkgerrors.Wrapf(err, "add-in %s", addin.Name))
			continue
		}

		if err := p.Initialize(h); err != nil {
			result = multierror.Append(result, pkgerrors.Wrapf(err, "initialize %s", addin.Name))
			continue
		}

		if err := p.Connected(); err != nil {
			result = multierror.Append(result, pkgerrors.Wrapf(err, "connect %s", addin.Name))
			continue
		}

		h.mu.Lock()
		h.plugins = append(h.plugins, p)
		h.mu.Unlock()

		h.logger.Info("add-in loaded", "name", addin.Name, "clsid", addin.CLSID)
	}

	return result.ErrorOrNil()
}

// CreateListener registers cb for channel name.
func (h *Host) CreateListener(name string, flags uint32, cb plugin.ListenerCallback) error {
	if cb == nil {
		return pkgerrors.Wrap(plugin.ErrInvalidArgument, "listener callback is nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[name]; ok {
		return pkgerrors.Wrapf(ErrListenerExists, "channel %s", name)
	}
	h.listeners[name] = cb

	h.logger.Debug("listener registered", "channel", name, "flags", flags)
	return nil
}

// Handle offers conn to the listener of the configured channel and serves it
// until either side closes.
func (h *Host) Handle(conn net.Conn) {
	h.mu.Lock()
	listener := h.listeners[h.cfg.Channel]
	ctx := h.ctx
	h.mu.Unlock()

	if listener == nil {
		h.logger.Warn("no listener for channel", "channel", h.cfg.Channel)
		conn.Close()
		return
	}

	var cb plugin.ChannelCallback
	c, err := NewConn(conn,
		CustomCodecOption(ChunkCodec{ChunkLength: h.cfg.ChunkLength, MaxLength: h.cfg.MaxMessageLength}),
		MessageMaxSize(h.cfg.MaxMessageLength),
		IdleTimeoutOption(h.cfg.IdleTimeout),
		LoggerOption(h.logger),
		OnMessageOption(func(m Message) error {
			h.metrics.message("in", m.Length())
			if err := cb.OnDataReceived(m.Body()); err != nil {
				h.logger.Warn("data rejected", "channel", h.cfg.Channel, "error", err)
			}
			return nil
		}),
	)
	if err != nil {
		h.logger.Error("failed to create connection", "error", err)
		conn.Close()
		return
	}

	vc := &virtualChannel{conn: c, timeout: c.opts.idleTimeout, metrics: h.metrics}
	accept, cb, err := listener.OnNewChannelConnection(vc, "")
	if err != nil || !accept || cb == nil {
		h.logger.Info("channel refused", "channel", h.cfg.Channel, "error", err)
		c.Close()
		return
	}

	h.track(c, true)
	defer h.track(c, false)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("channel ended", "channel", h.cfg.Channel, "error", err)
	}

	if err := cb.OnClose(); err != nil {
		h.logger.Warn("close callback failed", "channel", h.cfg.Channel, "error", err)
	}
}

func (h *Host) track(c *Conn, open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if open {
		h.conns[c] = struct{}{}
		h.metrics.connected(1)
		return
	}
	delete(h.conns, c)
	h.metrics.connected(-1)
}

// Close drops every connection, then disconnects and terminates the plugins.
func (h *Host) Close() error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	plugins := h.plugins
	h.plugins = nil
	h.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, p := range plugins {
		if err := p.Disconnected(0); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.Terminated(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// virtualChannel is the plugin's view of one connection.
type virtualChannel struct {
	conn    *Conn
	timeout time.Duration
	metrics *hostMetrics
}

func (v *virtualChannel) Write(p []byte) error {
	if err := v.conn.WriteTimeout(Bytes(p), v.timeout); err != nil {
		return err
	}
	v.metrics.message("out", len(p))
	return nil
}

func (v *virtualChannel) Close() error {
	return v.conn.Close()
}

type hostMetrics struct {
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
}

func newHostMetrics(reg prometheus.Registerer) *hostMetrics {
	m := &hostMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvc",
			Subsystem: "peer",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Subsystem: "peer",
			Name:      "messages_total",
			Help:      "Messages exchanged with clients.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Subsystem: "peer",
			Name:      "message_bytes_total",
			Help:      "Message bytes exchanged with clients.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.messages, m.bytes)
	}
	return m
}

func (m *hostMetrics) connected(delta float64) {
	m.connections.Add(delta)
}

func (m *hostMetrics) message(direction string, n int) {
	m.messages.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
