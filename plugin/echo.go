package plugin

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Zereker/dvc"
)

// EchoCLSID identifies the echo plugin class.
var EchoCLSID = uuid.MustParse("F5234ABF-AC88-4D6E-AA8D-490DF08F194D")

const (
	// EchoName is the add-in name the echo plugin is announced under.
	EchoName = "echo_dvc_plugin"
	// EchoChannelName is the channel the echo plugin listens on.
	EchoChannelName = "ECHOCHN"
)

// EchoPlugin listens on EchoChannelName and writes every buffer it receives
// back unmodified.
type EchoPlugin struct {
	logger dvc.Logger
}

// NewEchoPlugin returns an EchoPlugin. A nil logger uses slog.Default.
func NewEchoPlugin(logger dvc.Logger) *EchoPlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoPlugin{logger: logger}
}

// RegisterEcho registers the echo plugin factory with r.
func RegisterEcho(r *Registry, logger dvc.Logger) error {
	return r.Register(EchoCLSID, FactoryFunc(func() (Plugin, error) {
		return NewEchoPlugin(logger), nil
	}))
}

func (p *EchoPlugin) Initialize(mgr ChannelManager) error {
	p.logger.Info("plugin initialized", "channel", EchoChannelName)

	if mgr == nil {
		return errors.Wrap(ErrInvalidArgument, "channel manager is nil")
	}

	if err := mgr.CreateListener(EchoChannelName, 0, p); err != nil {
		return errors.Wrapf(err, "create listener for %s", EchoChannelName)
	}

	p.logger.Info("listener created", "channel", EchoChannelName)
	return nil
}

func (p *EchoPlugin) Connected() error {
	p.logger.Info("client connected")
	return nil
}

func (p *EchoPlugin) Disconnected(code uint32) error {
	p.logger.Info("client disconnected", "code", code)
	return nil
}

func (p *EchoPlugin) Terminated() error {
	p.logger.Info("client terminated")
	return nil
}

func (p *EchoPlugin) OnNewChannelConnection(ch VirtualChannel, data string) (bool, ChannelCallback, error) {
	if ch == nil {
		return false, nil, errors.Wrap(ErrInvalidArgument, "virtual channel is nil")
	}

	p.logger.Debug("new channel connection", "channel", EchoChannelName)
	return true, &echoCallback{channel: ch, logger: p.logger}, nil
}

type echoCallback struct {
	channel VirtualChannel
	logger  dvc.Logger
}

func (c *echoCallback) OnDataReceived(data []byte) error {
	c.logger.Debug("received", "text", string(data), "raw", data)

	if err := c.channel.Write(data); err != nil {
		c.logger.Error("failed to write to channel", "error", err)
		return errors.Wrap(err, "echo")
	}

	c.logger.Debug("sent", "text", string(data), "raw", data)
	return nil
}

func (c *echoCallback) OnClose() error {
	c.logger.Info("channel closed")
	return nil
}
