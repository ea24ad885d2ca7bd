package vox

import (
	"time"

	"go.uber.org/zap"
)

// DefaultTCPPort and DefaultUDPPort are the protocol's standard ports.
const (
	DefaultTCPPort = 10333
	DefaultUDPPort = 10333
)

// The Config for a client. The zero value works for anonymous connections
// against default ports.
type Config struct {
	// Nickname shown to other users. Defaults to "VoxUser".
	Nickname string `json:"nickname" yaml:"nickname"`

	// Username and Password authenticate the account. Both empty means a
	// guest login, if the server allows it.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"-"`

	// ClientName is sent on login and shown in user info. Defaults to "vox".
	ClientName string `json:"clientName" yaml:"clientName"`

	// ConnectTimeout bounds the TCP dial. Defaults to 15 seconds.
	ConnectTimeout time.Duration `json:"connectTimeout" yaml:"connectTimeout"`

	// PingInterval is the keep-alive cadence while connected. The session
	// is torn down as lost if no pong arrives within 2 intervals.
	// Defaults to 30 seconds.
	PingInterval time.Duration `json:"pingInterval" yaml:"pingInterval"`

	// ReconnectOnDrop enables the reconnection supervisor.
	ReconnectOnDrop bool `json:"reconnectOnDrop" yaml:"reconnectOnDrop"`

	// ReconnectBackoff is the first retry delay, doubled per attempt up to
	// ReconnectBackoffCap. Defaults: 1s and 30s.
	ReconnectBackoff    time.Duration `json:"reconnectBackoff" yaml:"reconnectBackoff"`
	ReconnectBackoffCap time.Duration `json:"reconnectBackoffCap" yaml:"reconnectBackoffCap"`

	// Logger receives internal diagnostics. Defaults to a nop logger.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// WithDefaults returns the config with the default values filled in.
func (config Config) WithDefaults() Config {
	if config.Nickname == "" {
		config.Nickname = "VoxUser"
	}
	if config.ClientName == "" {
		config.ClientName = "vox"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = time.Second * 15
	}
	if config.PingInterval <= 0 {
		config.PingInterval = time.Second * 30
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.ReconnectBackoffCap <= 0 {
		config.ReconnectBackoffCap = time.Second * 30
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return config
}
