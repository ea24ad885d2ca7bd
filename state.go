package vox

import (
	"github.com/mvaberg/vox/directory"
)

// A SessionState is the top-level state of the client's session machine. No
// transition may be skipped; every path between states goes through the
// ones between them.
type SessionState int

// The session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateIdle
	StateInChannel
	StateDisconnecting
)

var stateNames = [...]string{
	"disconnected", "connecting", "authenticating", "idle", "inchannel", "disconnecting",
}

func (state SessionState) String() string {
	if int(state) < len(stateNames) {
		return stateNames[state]
	}
	return "unknown"
}

// ClientState is a serializable snapshot of a client for collaborators
// (status displays, debugging) that want the whole picture at once.
type ClientState struct {
	ID            string          `json:"id"`
	State         string          `json:"state"`
	Nickname      string          `json:"nickname"`
	SessionID     int             `json:"sessionId"`
	ChannelPath   string          `json:"channelPath,omitempty"`
	Account       Account         `json:"account"`
	Directory     directory.State `json:"directory"`
	Streams       []StreamInfo    `json:"streams,omitempty"`
	Transfers     []TransferInfo  `json:"transfers,omitempty"`
}

// State returns the client's current session state.
func (client *Client) State() SessionState {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.state
}

// SessionID returns the server-assigned id of our own session, or 0 before
// login.
func (client *Client) SessionID() int {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.sessionID
}

// ChannelPath returns the active channel path, or "" outside a channel.
func (client *Client) ChannelPath() string {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.channelPath
}

// Account returns the logged-in account snapshot.
func (client *Client) Account() Account {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.account
}

// Snapshot assembles the full client state.
func (client *Client) Snapshot() ClientState {
	client.mutex.RLock()
	snapshot := ClientState{
		ID:          client.id,
		State:       client.state.String(),
		Nickname:    client.nickname,
		SessionID:   client.sessionID,
		ChannelPath: client.channelPath,
		Account:     client.account,
	}
	client.mutex.RUnlock()

	snapshot.Directory = client.directory.Snapshot()
	snapshot.Streams = client.Streams()
	snapshot.Transfers = client.Transfers()

	return snapshot
}
