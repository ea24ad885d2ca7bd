package vox

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mvaberg/vox/internal/voxtest"
)

type eventWaiter struct {
	ch chan *Event
}

// watch buffers every event the client emits so tests can wait for them in
// order. Events before the wanted one are discarded.
func watch(client *Client) *eventWaiter {
	waiter := &eventWaiter{ch: make(chan *Event, 256)}

	client.AddHandler(func(event *Event, _ *Client) {
		copied := *event
		select {
		case waiter.ch <- &copied:
		default:
		}
	})

	return waiter
}

func (waiter *eventWaiter) next(name string) (*Event, error) {
	deadline := time.After(2 * time.Second)

	for {
		select {
		case event := <-waiter.ch:
			if event.Name() == name {
				return event, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %s", name)
		}
	}
}

func (waiter *eventWaiter) nextState(state string) error {
	deadline := time.After(2 * time.Second)

	for {
		select {
		case event := <-waiter.ch:
			if event.Name() == "client.state" && event.Field("state") == state {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for state %s", state)
		}
	}
}

func (waiter *eventWaiter) nextField(name, field, value string) (*Event, error) {
	deadline := time.After(2 * time.Second)

	for {
		select {
		case event := <-waiter.ch:
			if event.Name() == name && event.Field(field) == value {
				return event, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %s with %s=%s", name, field, value)
		}
	}
}

const testLoginLine = `login nickname="Tester" username="alice" password="secret" clientname="vox" protocol=1 id=1`

func TestConnectLoginJoin(t *testing.T) {
	client := New(context.Background(), Config{Nickname: "Tester", Username: "alice", Password: "secret"})
	defer client.Destroy()

	waiter := watch(client)

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		{Client: testLoginLine, Server: `welcome servername="Vox Test" motd="hello" protocol=1 maxusers=100 voicebps=24000`},
		{Server: `accepted sessionid=7 usertype=1 rights=0 maxbitrate=0 floodcommands=0 floodseconds=0 username="alice"`},
		{Server: `addchannel channel="/" topic="root"`},
		{Server: `addchannel channel="/lobby" topic="General"`},
		{Server: `loggedin sessionid=7 nickname="Tester"`},
		{Server: `ok id=1`},
		{Callback: func() error {
			if _, err := waiter.next("client.ready"); err != nil {
				return err
			}
			if client.State() != StateIdle {
				return fmt.Errorf("state after login: %s", client.State())
			}
			return client.JoinChannel("/lobby", "")
		}},
		{Client: `join channel="/lobby" id=2`, Server: `adduser sessionid=7 channel="/lobby"`},
		{Server: `ok id=2`},
		{Server: `loggedin sessionid=9 nickname="Ben"`},
		{Server: `messagedeliver type="user" srcid=9 content="hi there"`},
		{Server: `kicked channel="/lobby"`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	joined, err := waiter.next("channel.joined")
	if assert.NoError(t, err) {
		assert.Equal(t, "/lobby", joined.Field("channel"))
	}

	message, err := waiter.next("user.message")
	if assert.NoError(t, err) {
		assert.Equal(t, "hi there", message.Field("content"))
		assert.Equal(t, "9", message.Field("sessionid"))
	}

	_, err = waiter.next("client.kicked")
	if assert.NoError(t, err) {
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, "", client.ChannelPath())
	}

	assert.Equal(t, 7, client.SessionID())
	assert.Equal(t, "Vox Test", client.Directory().Server().Name)
	assert.Len(t, client.Directory().Channels(), 2)
	assert.Len(t, client.Directory().Users(), 2)

	assert.NoError(t, client.Disconnect())
	assert.NoError(t, waiter.nextState("disconnected"))
	assert.Empty(t, client.Directory().Users())
}

func TestLoginRejected(t *testing.T) {
	client := New(context.Background(), Config{Nickname: "Tester", Username: "alice", Password: "secret"})
	defer client.Destroy()

	waiter := watch(client)

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		{Client: testLoginLine, Server: `error id=1 number=2001 message="invalid credentials"`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	cmdErr, err := waiter.next("cmd.error")
	if assert.NoError(t, err) {
		assert.Equal(t, "login", cmdErr.Field("verb"))
		assert.Equal(t, "auth", cmdErr.Field("kind"))
		assert.Equal(t, 2001, cmdErr.Int("code"))
	}

	// Auth failures end in Disconnected without any reconnection attempt.
	assert.NoError(t, waiter.nextState("disconnected"))
	assert.Equal(t, StateDisconnected, client.State())
}

func TestJoinRejectedKeepsState(t *testing.T) {
	client := New(context.Background(), Config{Nickname: "Tester", Username: "alice", Password: "secret"})
	defer client.Destroy()

	waiter := watch(client)

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1`},
		{Server: `accepted sessionid=7 usertype=1 username="alice"`},
		{Server: `addchannel channel="/lobby"`},
		{Server: `ok id=1`},
		{Callback: func() error {
			if _, err := waiter.next("client.ready"); err != nil {
				return err
			}
			return client.JoinChannel("/lobby", "nope")
		}},
		{Client: `join channel="/lobby" password="nope" id=2`, Server: `error id=2 number=3002 message="wrong password"`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	cmdErr, err := waiter.next("cmd.error")
	if assert.NoError(t, err) {
		assert.Equal(t, "join", cmdErr.Field("verb"))
		assert.Equal(t, 3002, cmdErr.Int("code"))
	}

	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, "", client.ChannelPath())
}

func TestReconnectRejoinsChannel(t *testing.T) {
	client := New(context.Background(), Config{
		Nickname:            "Tester",
		Username:            "alice",
		Password:            "secret",
		ReconnectOnDrop:     true,
		ReconnectBackoff:    20 * time.Millisecond,
		ReconnectBackoffCap: 50 * time.Millisecond,
	})
	defer client.Destroy()

	waiter := watch(client)

	var lobbyJoins int32
	client.AddHandler(func(event *Event, _ *Client) {
		if event.Name() == "user.joined" && event.Field("channel") == "/lobby" {
			atomic.AddInt32(&lobbyJoins, 1)
		}
	})

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		// First session.
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1`},
		{Server: `accepted sessionid=7 usertype=1 username="alice"`},
		{Server: `addchannel channel="/lobby"`},
		{Server: `ok id=1`},
		{Callback: func() error {
			if _, err := waiter.next("client.ready"); err != nil {
				return err
			}
			return client.JoinChannel("/lobby", "")
		}},
		{Client: `join channel="/lobby" id=2`, Server: `adduser sessionid=7 channel="/lobby"`},
		{Server: `ok id=2`},
		{Callback: func() error {
			_, err := waiter.next("channel.joined")
			return err
		}, Disconnect: true},

		// Second session: the directory was reset and the supervisor logs in
		// and re-joins on its own.
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1`},
		{Server: `accepted sessionid=8 usertype=1 username="alice"`},
		{Server: `addchannel channel="/lobby"`},
		{Server: `ok id=1`},
		{Client: `join channel="/lobby" id=2`, Server: `adduser sessionid=8 channel="/lobby"`},
		{Server: `ok id=2`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	_, err := waiter.next("client.reconnecting")
	assert.NoError(t, err)

	joined, err := waiter.next("channel.joined")
	if assert.NoError(t, err) {
		assert.Equal(t, "/lobby", joined.Field("channel"))
	}

	assert.Equal(t, StateInChannel, client.State())
	assert.Equal(t, "/lobby", client.ChannelPath())
	assert.Equal(t, 8, client.SessionID())

	// One join per session, not a duplicate on rejoin.
	assert.Equal(t, int32(2), atomic.LoadInt32(&lobbyJoins))
	assert.Len(t, client.Directory().Users(), 1)
}

func TestJoinReplyCannotOutrunBookkeeping(t *testing.T) {
	client := New(context.Background(), Config{})
	defer client.Destroy()

	waiter := watch(client)

	server, conn := net.Pipe()
	defer server.Close()

	client.mutex.Lock()
	client.conn = conn
	client.state = StateIdle
	client.mutex.Unlock()

	// The pipe write blocks until the far side reads, so the join line is
	// still in flight when the reply is processed below.
	done := make(chan error, 1)
	go func() { done <- client.JoinChannel("/lobby", "pw") }()

	deadline := time.Now().Add(time.Second)
	for {
		client.mutex.RLock()
		registered := len(client.pending) > 0
		client.mutex.RUnlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("join was never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ok, err := ParseLine(`ok id=1`)
	assert.NoError(t, err)
	assert.NoError(t, client.EmitSync(context.Background(), ok))

	// Let the write finish.
	buffer := make([]byte, 256)
	_, err = server.Read(buffer)
	assert.NoError(t, err)
	assert.NoError(t, <-done)

	joined, err := waiter.next("channel.joined")
	if assert.NoError(t, err) {
		assert.Equal(t, "/lobby", joined.Field("channel"))
	}
	assert.Equal(t, StateInChannel, client.State())
	assert.Equal(t, "/lobby", client.ChannelPath())
}

func TestManualConnectAfterRejectedRelogin(t *testing.T) {
	client := New(context.Background(), Config{
		Nickname:            "Tester",
		Username:            "alice",
		Password:            "secret",
		ReconnectOnDrop:     true,
		ReconnectBackoff:    20 * time.Millisecond,
		ReconnectBackoffCap: 50 * time.Millisecond,
	})
	defer client.Destroy()

	waiter := watch(client)

	interaction := &voxtest.Interaction{}
	interaction.Lines = []voxtest.Line{
		// First session establishes a channel to come back to.
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1`},
		{Server: `accepted sessionid=7 usertype=1 username="alice"`},
		{Server: `addchannel channel="/lobby"`},
		{Server: `ok id=1`},
		{Callback: func() error {
			if _, err := waiter.next("client.ready"); err != nil {
				return err
			}
			return client.JoinChannel("/lobby", "")
		}},
		{Client: `join channel="/lobby" id=2`, Server: `adduser sessionid=7 channel="/lobby"`},
		{Server: `ok id=2`},
		{Callback: func() error {
			_, err := waiter.next("channel.joined")
			return err
		}, Disconnect: true},

		// The supervisor's re-login is rejected, which ends recovery.
		{Client: testLoginLine, Server: `error id=1 number=2001 message="account locked"`, Disconnect: true},

		// A later manual connect must not drag the stale channel along.
		{Callback: func() error {
			if _, err := waiter.next("cmd.error"); err != nil {
				return err
			}
			if err := waiter.nextState("disconnected"); err != nil {
				return err
			}
			return client.Connect(interaction.Host(), interaction.Port(), interaction.Port())
		}},
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1`},
		{Server: `accepted sessionid=9 usertype=1 username="alice"`},
		{Server: `ok id=1`},
		{Callback: func() error {
			if _, err := waiter.next("client.ready"); err != nil {
				return err
			}
			return client.QueryServerStats()
		}},
		{Client: `querystats id=2`, Server: `serverstats uptime=1 usercount=1`},
	}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	_, err := waiter.next("server.serverstats")
	assert.NoError(t, err)

	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, "", client.ChannelPath())
	assert.Equal(t, 9, client.SessionID())
}
