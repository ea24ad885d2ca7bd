package vox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mvaberg/vox/directory"
	"github.com/mvaberg/vox/internal/voxtest"
)

// silentSource never produces a payload; with DTX on, nothing is sent.
type silentSource struct{}

func (silentSource) Next() ([]byte, bool, error) { return nil, false, nil }

func TestPacketCodec(t *testing.T) {
	payload := []byte("opus frame bytes")
	packet := encodePacket(StreamVoice, 42, 7, payload)

	assert.Len(t, packet, packetHeaderSize+len(payload))

	category, streamID, seq, parsed, err := parsePacketHeader(packet)
	if assert.NoError(t, err) {
		assert.Equal(t, StreamVoice, category)
		assert.Equal(t, uint32(42), streamID)
		assert.Equal(t, uint32(7), seq)
		assert.Equal(t, payload, parsed)
	}

	_, _, _, _, err = parsePacketHeader(packet[:8])
	assert.True(t, errors.Is(err, ErrProtocol))

	_, _, _, _, err = parsePacketHeader(packet[:packetHeaderSize+4])
	assert.True(t, errors.Is(err, ErrProtocol))

	hello := encodePacket(packetHello, 7, 0, nil)
	category, _, _, _, err = parsePacketHeader(hello)
	if assert.NoError(t, err) {
		assert.Equal(t, packetHello, category)
	}
}

func inChannelClient(t *testing.T) *Client {
	t.Helper()

	client := New(context.Background(), Config{})
	t.Cleanup(client.Destroy)

	client.mutex.Lock()
	client.state = StateInChannel
	client.sessionID = 7
	client.channelPath = "/lobby"
	client.account = Account{Rights: AllRights}
	client.mutex.Unlock()

	client.directory.SetServer(directory.ServerProperties{VoiceBps: 24000})
	client.directory.UpsertChannel(directory.Channel{
		Path:  "/lobby",
		Codec: directory.Codec{Type: "opus", SampleRate: 48000, BitrateBps: 20000},
	})

	return client
}

func TestStartStreamValidatesBeforeNetwork(t *testing.T) {
	client := inChannelClient(t)

	table := []struct {
		Name  string
		Codec directory.Codec
	}{
		{
			Name:  "BitrateOverChannelCeiling",
			Codec: directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 22000},
		},
		{
			Name:  "BitrateOverServerCeiling",
			Codec: directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 32000},
		},
		{
			Name:  "BadChannelCount",
			Codec: directory.Codec{Type: "opus", SampleRate: 48000, Channels: 5, BitrateBps: 16000},
		},
		{
			Name:  "VoiceWithoutSampleRate",
			Codec: directory.Codec{Type: "opus", Channels: 1, BitrateBps: 16000},
		},
		{
			Name:  "NegativeTxInterval",
			Codec: directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 16000, TxIntervalMS: -20},
		},
	}

	for _, row := range table {
		t.Run(row.Name, func(t *testing.T) {
			err := client.StartStream(StreamVoice, row.Codec, nil)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
			assert.Empty(t, client.Streams())
		})
	}
}

func TestBitrateCeilingIsTightestLimit(t *testing.T) {
	client := inChannelClient(t)

	// Channel codec at 20000 beats the server's 24000.
	assert.Equal(t, 20000, client.bitrateCeiling(StreamVoice))

	client.mutex.Lock()
	client.account.MaxBitrateBps = 16000
	client.mutex.Unlock()
	assert.Equal(t, 16000, client.bitrateCeiling(StreamVoice))

	// No limits configured anywhere means unlimited.
	assert.Equal(t, 0, client.bitrateCeiling(StreamVideo))
}

func TestStartStreamChecksRightsAndState(t *testing.T) {
	client := inChannelClient(t)

	client.mutex.Lock()
	client.account.Rights = AllRights.Without(RightTransmitVoice)
	client.mutex.Unlock()

	err := client.StartStream(StreamVoice, directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 16000}, nil)
	assert.True(t, errors.Is(err, ErrRights), "got %v", err)

	client.mutex.Lock()
	client.account.Rights = AllRights
	client.state = StateIdle
	client.mutex.Unlock()

	err = client.StartStream(StreamVoice, directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 16000}, nil)
	assert.True(t, errors.Is(err, ErrChannel), "got %v", err)

	err = client.StartStream(StreamFile, directory.Codec{}, nil)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestStopStreamIsIdempotent(t *testing.T) {
	client := inChannelClient(t)

	assert.NoError(t, client.StopStream(StreamVoice))
	assert.NoError(t, client.StopStream(StreamVoice))
}

func TestStopStreamSendsOneStopCommand(t *testing.T) {
	client := New(context.Background(), Config{Nickname: "Tester", Username: "alice", Password: "secret"})
	defer client.Destroy()

	waiter := watch(client)

	codec := directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 16000, TxIntervalMS: 20, DTX: true}

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1 voicebps=24000`},
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
			if _, err := waiter.next("channel.joined"); err != nil {
				return err
			}
			return client.StartStream(StreamVoice, codec, silentSource{})
		}},
		{Client: `streamstart category="voice" codec="opus" samplerate=48000 channels=1 bitrate=16000 txinterval=20 dtx=true id=3`, Server: `ok id=3 streamid=5`},
		{Callback: func() error {
			if _, err := waiter.nextField("stream.state", "state", "active"); err != nil {
				return err
			}
			if err := client.StopStream(StreamVoice); err != nil {
				return err
			}
			return client.StopStream(StreamVoice)
		}},
		// A second stop command here would make the leave line below
		// mismatch.
		{Client: `streamstop streamid=5 id=4`},
		{Callback: func() error { return client.LeaveChannel() }},
		{Client: `leave id=5`, Server: `ok id=5`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	_, err := waiter.next("channel.left")
	assert.NoError(t, err)

	assert.Empty(t, client.Streams())
	assert.Equal(t, StateIdle, client.State())
}

func TestLeaveClosesVoiceStream(t *testing.T) {
	client := New(context.Background(), Config{Nickname: "Tester", Username: "alice", Password: "secret"})
	defer client.Destroy()

	waiter := watch(client)

	codec := directory.Codec{Type: "opus", SampleRate: 48000, Channels: 1, BitrateBps: 16000, TxIntervalMS: 20, DTX: true}

	interaction := &voxtest.Interaction{Lines: []voxtest.Line{
		{Client: testLoginLine, Server: `welcome servername="Vox Test" protocol=1 voicebps=24000`},
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
			if _, err := waiter.next("channel.joined"); err != nil {
				return err
			}
			return client.StartStream(StreamVoice, codec, silentSource{})
		}},
		{Client: `streamstart category="voice" codec="opus" samplerate=48000 channels=1 bitrate=16000 txinterval=20 dtx=true id=3`, Server: `ok id=3 streamid=5`},
		{Callback: func() error {
			if _, err := waiter.nextField("stream.state", "state", "active"); err != nil {
				return err
			}
			return client.LeaveChannel()
		}},
		{Client: `leave id=4`, Server: `removeuser sessionid=7 channel="/lobby"`},
		{Server: `ok id=4`},
	}}

	if !assert.NoError(t, interaction.Listen()) {
		return
	}
	defer interaction.Close()

	assert.NoError(t, client.Connect(interaction.Host(), interaction.Port(), interaction.Port()))

	failure := interaction.Wait()
	assert.Nil(t, failure, failure.String())

	// Voice cannot exist outside a channel: the confirmed leave closes it
	// without a stop command of its own.
	_, err := waiter.nextField("stream.state", "state", "closed")
	assert.NoError(t, err)

	_, err = waiter.next("channel.left")
	assert.NoError(t, err)

	assert.Empty(t, client.Streams())
	assert.Equal(t, StateIdle, client.State())
}

func TestStreamAckAfterCloseRegistersNothing(t *testing.T) {
	client := inChannelClient(t)

	stream := &MediaStream{
		Category:  StreamVoice,
		Direction: DirectionOutgoing,
		OwnerID:   7,
		state:     StreamNegotiating,
		stopTx:    make(chan struct{}),
	}
	client.streams.insert(stream)
	client.closeStream(stream, false)

	client.streamAcknowledged(stream, 42)

	client.streams.mutex.RLock()
	_, registered := client.streams.byID[42]
	client.streams.mutex.RUnlock()
	assert.False(t, registered)
	assert.Empty(t, client.Streams())
}

func TestReceivePacketCountsLossAndGatesSubscription(t *testing.T) {
	client := inChannelClient(t)

	client.directory.UpsertUser(directory.User{
		SessionID:           9,
		Nickname:            "Ben",
		ChannelPath:         "/lobby",
		LocalSubscriptions:  uint32(AllSubscriptions),
		RemoteSubscriptions: uint32(AllSubscriptions),
	})

	stream := &MediaStream{
		Category:  StreamVoice,
		Direction: DirectionIncoming,
		OwnerID:   9,
		StreamID:  42,
		state:     StreamActive,
	}
	client.streams.insert(stream)

	client.receivePacket(42, 1, 100)
	client.receivePacket(42, 2, 100)
	client.receivePacket(42, 5, 100)

	info, ok := client.Stream(9, StreamVoice, DirectionIncoming)
	if assert.True(t, ok) {
		assert.Equal(t, uint64(3), info.PacketsReceived)
		assert.Equal(t, uint64(300), info.BytesReceived)
		assert.Equal(t, uint64(2), info.PacketsLost)
	}

	// Dropping the voice subscription hides packets but bookkeeping goes on.
	client.directory.SetUserSubscriptions(9, uint32(AllSubscriptions.Without(SubVoice)), uint32(AllSubscriptions))
	client.receivePacket(42, 6, 100)

	info, _ = client.Stream(9, StreamVoice, DirectionIncoming)
	assert.Equal(t, uint64(4), info.PacketsReceived)

	// Unknown stream ids are ignored.
	client.receivePacket(999, 1, 100)
}
