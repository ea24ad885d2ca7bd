package directory

import (
	"sort"
	"strings"
	"sync"
)

// The Directory of server state mirrored by a session. It can be reused
// between connections: Reset clears it for the next handshake. All query
// methods return copies, so holding on to a result never observes later
// mutation.
type Directory struct {
	mutex      sync.RWMutex
	server     ServerProperties
	channels   map[string]*Channel
	users      map[int]*User
	banned     []BanEntry
	remembered []BanEntry
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		channels: make(map[string]*Channel, 16),
		users:    make(map[int]*User, 64),
	}
}

// Reset discards everything, for disconnects and reconnection.
func (dir *Directory) Reset() {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	dir.server = ServerProperties{}
	dir.channels = make(map[string]*Channel, 16)
	dir.users = make(map[int]*User, 64)
	dir.banned = nil
	dir.remembered = nil
}

// SetServer replaces the server properties.
func (dir *Directory) SetServer(props ServerProperties) {
	dir.mutex.Lock()
	dir.server = props
	dir.mutex.Unlock()
}

// Server gets the server properties.
func (dir *Directory) Server() ServerProperties {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	return dir.server
}

// UpsertChannel inserts or replaces a channel by path.
func (dir *Directory) UpsertChannel(channel Channel) {
	dir.mutex.Lock()
	dir.channels[channel.Path] = &channel
	dir.mutex.Unlock()
}

// RemoveChannel removes a channel by path. Users still referencing it keep
// their path until the server moves them; the server never removes an
// occupied channel without doing that first.
func (dir *Directory) RemoveChannel(path string) bool {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	if _, ok := dir.channels[path]; !ok {
		return false
	}

	delete(dir.channels, path)
	return true
}

// Channel gets a channel by path.
func (dir *Directory) Channel(path string) (Channel, bool) {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	channel, ok := dir.channels[path]
	if !ok {
		return Channel{}, false
	}

	return *channel, true
}

// Channels lists all channels sorted by path.
func (dir *Directory) Channels() []Channel {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	result := make([]Channel, 0, len(dir.channels))
	for _, channel := range dir.channels {
		result = append(result, *channel)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })

	return result
}

// SubChannels lists the direct children of a channel path.
func (dir *Directory) SubChannels(parent string) []Channel {
	prefix := strings.TrimSuffix(parent, "/") + "/"

	all := dir.Channels()
	result := all[:0]
	for _, channel := range all {
		if channel.Path == parent {
			continue
		}
		rest, ok := strings.CutPrefix(channel.Path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		result = append(result, channel)
	}

	return result
}

// UpsertUser inserts or replaces a user by session id.
func (dir *Directory) UpsertUser(user User) {
	dir.mutex.Lock()
	dir.users[user.SessionID] = &user
	dir.mutex.Unlock()
}

// RemoveUser removes a user by session id.
func (dir *Directory) RemoveUser(sessionID int) bool {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	if _, ok := dir.users[sessionID]; !ok {
		return false
	}

	delete(dir.users, sessionID)
	return true
}

// SetUserChannel moves a user between channels; an empty path means the user
// left and is in no channel.
func (dir *Directory) SetUserChannel(sessionID int, path string) bool {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	user, ok := dir.users[sessionID]
	if !ok {
		return false
	}

	user.ChannelPath = path
	return true
}

// SetUserSubscriptions updates the stored subscription masks of a user.
func (dir *Directory) SetUserSubscriptions(sessionID int, local, remote uint32) bool {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	user, ok := dir.users[sessionID]
	if !ok {
		return false
	}

	user.LocalSubscriptions = local
	user.RemoteSubscriptions = remote
	return true
}

// User gets a user by session id.
func (dir *Directory) User(sessionID int) (User, bool) {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	user, ok := dir.users[sessionID]
	if !ok {
		return User{}, false
	}

	return *user, true
}

// Users lists all users sorted by session id.
func (dir *Directory) Users() []User {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	result := make([]User, 0, len(dir.users))
	for _, user := range dir.users {
		result = append(result, *user)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })

	return result
}

// UsersInChannel lists the users whose current channel is the path.
func (dir *Directory) UsersInChannel(path string) []User {
	all := dir.Users()
	result := all[:0]
	for _, user := range all {
		if user.ChannelPath == path {
			result = append(result, user)
		}
	}

	return result
}

// AddBan places an entry on the banned list. If the same key sits on the
// remembered list it is reactivated in place, keeping its original
// timestamp. A matching entry already on the banned list is refreshed.
func (dir *Directory) AddBan(ban BanEntry) {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	for i := range dir.remembered {
		if dir.remembered[i].matches(ban) {
			revived := dir.remembered[i]
			dir.remembered = append(dir.remembered[:i], dir.remembered[i+1:]...)
			dir.banned = append(dir.banned, revived)
			return
		}
	}

	for i := range dir.banned {
		if dir.banned[i].matches(ban) {
			dir.banned[i] = ban
			return
		}
	}

	dir.banned = append(dir.banned, ban)
}

// RemoveBan moves a banned entry to the remembered list, keeping scope and
// timestamp. It returns false if no banned entry matched.
func (dir *Directory) RemoveBan(ban BanEntry) bool {
	dir.mutex.Lock()
	defer dir.mutex.Unlock()

	for i := range dir.banned {
		if dir.banned[i].matches(ban) {
			removed := dir.banned[i]
			dir.banned = append(dir.banned[:i], dir.banned[i+1:]...)
			dir.remembered = append(dir.remembered, removed)
			return true
		}
	}

	return false
}

// Banned lists the active ban entries.
func (dir *Directory) Banned() []BanEntry {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	return append([]BanEntry(nil), dir.banned...)
}

// Remembered lists entries that were unbanned but kept around.
func (dir *Directory) Remembered() []BanEntry {
	dir.mutex.RLock()
	defer dir.mutex.RUnlock()

	return append([]BanEntry(nil), dir.remembered...)
}

// Snapshot returns a deep copy of the whole directory.
func (dir *Directory) Snapshot() State {
	dir.mutex.RLock()
	server := dir.server
	banned := append([]BanEntry(nil), dir.banned...)
	remembered := append([]BanEntry(nil), dir.remembered...)
	dir.mutex.RUnlock()

	return State{
		Server:     server,
		Channels:   dir.Channels(),
		Users:      dir.Users(),
		Banned:     banned,
		Remembered: remembered,
	}
}
