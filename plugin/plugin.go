// Package plugin defines the host-side plugin contract of a dynamic virtual
// channel: lifecycle notifications, listener callbacks that accept new
// channels, and per-channel data callbacks. Plugins are constructed through a
// Registry keyed by class id and announced to hosts through an AddIns table.
package plugin

import (
	"errors"
)

// Errors returned by plugins and the registry.
var (
	// ErrInvalidArgument is returned when a host passes a nil collaborator.
	ErrInvalidArgument = errors.New("plugin: invalid argument")
	// ErrClassNotAvailable is returned for a class id with no registered factory.
	ErrClassNotAvailable = errors.New("plugin: class not available")
	// ErrAlreadyRegistered is returned when a class id is registered twice.
	ErrAlreadyRegistered = errors.New("plugin: class already registered")
)

// Plugin receives lifecycle notifications from the host.
type Plugin interface {
	// Initialize is called once after the plugin is created. Plugins create
	// their listeners on mgr here.
	Initialize(mgr ChannelManager) error
	// Connected is called when the client connects to the remote session.
	Connected() error
	// Disconnected is called when the client disconnects.
	Disconnected(code uint32) error
	// Terminated is called before the host releases the plugin.
	Terminated() error
}

// ChannelManager is the host side used by plugins to listen for channels.
type ChannelManager interface {
	CreateListener(name string, flags uint32, cb ListenerCallback) error
}

// ListenerCallback is notified when a peer opens a channel a plugin listens on.
type ListenerCallback interface {
	// OnNewChannelConnection decides whether to accept ch. An accepted channel
	// delivers its data to the returned callback.
	OnNewChannelConnection(ch VirtualChannel, data string) (accept bool, cb ChannelCallback, err error)
}

// VirtualChannel is one open channel instance as seen by a plugin.
type VirtualChannel interface {
	Write(p []byte) error
	Close() error
}

// ChannelCallback receives the data and close notifications of one channel.
type ChannelCallback interface {
	OnDataReceived(data []byte) error
	OnClose() error
}
