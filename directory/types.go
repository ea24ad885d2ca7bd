// Package directory holds the client's local mirror of server, channel, user
// and ban entities. It is populated from confirmed server events only; the
// client's event loop is the sole writer, and everything handed out by the
// query methods is a copy.
package directory

import (
	"time"
)

// ServerProperties describes the server end of the session as negotiated on
// the handshake and updated by serverupdate events.
type ServerProperties struct {
	Name            string
	MOTD            string
	Host            string
	TCPPort         int
	UDPPort         int
	Encrypted       bool
	ProtocolVersion int
	MaxUsers        int

	// Bandwidth ceilings in bytes per second, 0 = unlimited.
	VoiceBps     int
	VideoBps     int
	DesktopBps   int
	FileBps      int
	MediaFileBps int
}

// A Codec is the negotiated audio configuration of a channel or stream. The
// core never touches samples; it only validates and forwards these numbers.
type Codec struct {
	Type         string
	SampleRate   int
	Channels     int
	BitrateBps   int
	TxIntervalMS int
	DTX          bool
}

// A Channel is one room in the slash-delimited channel tree.
type Channel struct {
	Path             string
	Topic            string
	Password         string
	OperatorPassword string
	MaxUsers         int
	DiskQuota        int64

	Permanent           bool
	Classroom           bool // no simultaneous voice
	OperatorControlled  bool
	OperatorReceiveOnly bool
	NoVoiceActivation   bool
	NoRecording         bool
	FixedVolume         bool

	Codec Codec
}

// StatusMode is a user's advertised availability.
type StatusMode int

// Status modes.
const (
	StatusAvailable StatusMode = iota
	StatusAway
	StatusQuestion
)

// A User is another session on the server. It exists from its loggedin event
// until loggedoff or our own disconnect. The subscription masks are bitmasks
// over the root package's subscription categories, stored opaquely here.
type User struct {
	SessionID     int
	Nickname      string
	Username      string
	Status        StatusMode
	StatusMessage string
	ChannelPath   string
	IP            string
	ClientVersion string

	LocalSubscriptions  uint32 // what we accept from them
	RemoteSubscriptions uint32 // what they accept from us
}

// A BanEntry identifies a banned (or formerly banned but remembered) IP
// and/or username. Scope is "" for server-wide bans, otherwise a channel
// path.
type BanEntry struct {
	Scope    string
	IP       string
	Username string
	Time     time.Time
}

// matches reports whether two entries refer to the same key in the same
// scope.
func (ban BanEntry) matches(other BanEntry) bool {
	return ban.Scope == other.Scope && ban.IP == other.IP && ban.Username == other.Username
}

// State is a deep snapshot of the directory for collaborators that want a
// consistent view, e.g. for rendering a channel tree.
type State struct {
	Server     ServerProperties `json:"server"`
	Channels   []Channel        `json:"channels"`
	Users      []User           `json:"users"`
	Banned     []BanEntry       `json:"banned"`
	Remembered []BanEntry       `json:"remembered"`
}
