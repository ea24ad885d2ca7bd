package vox

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvaberg/vox/directory"
)

// A StreamCategory is one of the independent media lanes a session can
// carry. The value doubles as the datagram header's category byte.
type StreamCategory byte

// The stream categories. Zero is reserved for the UDP hello/keepalive
// datagram so a zeroed header never aliases a real stream.
const (
	packetHello StreamCategory = iota

	StreamVoice
	StreamVideo
	StreamDesktop
	StreamFile
	StreamMediaFile
)

var streamCategoryNames = map[StreamCategory]string{
	StreamVoice:     "voice",
	StreamVideo:     "video",
	StreamDesktop:   "desktop",
	StreamFile:      "file",
	StreamMediaFile: "mediafile",
}

func (category StreamCategory) String() string {
	if name, ok := streamCategoryNames[category]; ok {
		return name
	}
	return "unknown"
}

func streamCategoryByName(name string) (StreamCategory, bool) {
	for category, n := range streamCategoryNames {
		if n == name {
			return category, true
		}
	}
	return 0, false
}

// A StreamState is the lifecycle position of one media stream.
type StreamState int

// The stream states.
const (
	StreamIdle StreamState = iota
	StreamNegotiating
	StreamActive
	StreamStalled
	StreamClosed
)

var streamStateNames = [...]string{"idle", "negotiating", "active", "stalled", "closed"}

func (state StreamState) String() string {
	if int(state) < len(streamStateNames) {
		return streamStateNames[state]
	}
	return "unknown"
}

// stalledAfter is how long an inbound stream can go without a packet before
// it is reported stalled. Media is loss-tolerant, so this is a report, not
// an error.
const stalledAfter = 2 * time.Second

// packetHeaderSize is category(1) + stream id(4) + sequence(4) + length(4).
const packetHeaderSize = 13

// A PayloadSource feeds an outbound stream. Next is called once per
// transmit interval on the stream's own goroutine, so it may block on
// device or file I/O. active=false marks silence: with DTX on a voice
// stream the packet is suppressed. io.EOF ends the stream cleanly; any
// other error closes it with a TransferError.
type PayloadSource interface {
	Next() (payload []byte, active bool, err error)
}

// A MediaStream is one transmit or receive lane. It is uniquely keyed by
// (owner, category, direction); the multiplexer enforces that no two live
// streams share a key.
type MediaStream struct {
	Category  StreamCategory
	Direction Direction
	OwnerID   int // session id of the transmitting user; ours for outgoing
	StreamID  uint32
	Codec     directory.Codec

	state        StreamState
	packetsSent  uint64
	bytesSent    uint64
	packetsRecvd uint64
	bytesRecvd   uint64
	packetsLost  uint64
	lastSeq      uint32
	lastPacketAt time.Time

	source PayloadSource
	stopTx chan struct{}
}

// StreamInfo is the read-only view of a stream handed to collaborators.
type StreamInfo struct {
	Category  StreamCategory `json:"category"`
	Direction Direction      `json:"direction"`
	OwnerID   int            `json:"ownerId"`
	StreamID  uint32         `json:"streamId"`
	Codec     directory.Codec `json:"codec"`
	State     StreamState    `json:"state"`

	PacketsSent     uint64 `json:"packetsSent"`
	BytesSent       uint64 `json:"bytesSent"`
	PacketsReceived uint64 `json:"packetsReceived"`
	BytesReceived   uint64 `json:"bytesReceived"`
	PacketsLost     uint64 `json:"packetsLost"`
}

type streamKey struct {
	owner     int
	category  StreamCategory
	direction Direction
}

// The multiplexer owns the stream table. The table itself is only mutated
// from the client's event loop; the mutex covers the read paths other
// goroutines use (Streams, snapshots).
type multiplexer struct {
	mutex   sync.RWMutex
	streams map[streamKey]*MediaStream
	byID    map[uint32]*MediaStream
}

func newMultiplexer() *multiplexer {
	return &multiplexer{
		streams: make(map[streamKey]*MediaStream, 8),
		byID:    make(map[uint32]*MediaStream, 8),
	}
}

func (mux *multiplexer) get(key streamKey) *MediaStream {
	mux.mutex.RLock()
	defer mux.mutex.RUnlock()

	return mux.streams[key]
}

func (mux *multiplexer) insert(stream *MediaStream) {
	mux.mutex.Lock()
	mux.streams[streamKey{stream.OwnerID, stream.Category, stream.Direction}] = stream
	if stream.StreamID != 0 {
		mux.byID[stream.StreamID] = stream
	}
	mux.mutex.Unlock()
}

func (mux *multiplexer) remove(stream *MediaStream) {
	mux.mutex.Lock()
	delete(mux.streams, streamKey{stream.OwnerID, stream.Category, stream.Direction})
	if stream.StreamID != 0 {
		delete(mux.byID, stream.StreamID)
	}
	mux.mutex.Unlock()
}

func (mux *multiplexer) all() []*MediaStream {
	mux.mutex.RLock()
	defer mux.mutex.RUnlock()

	result := make([]*MediaStream, 0, len(mux.streams))
	for _, stream := range mux.streams {
		result = append(result, stream)
	}
	return result
}

func (mux *multiplexer) info(stream *MediaStream) StreamInfo {
	mux.mutex.RLock()
	defer mux.mutex.RUnlock()

	return StreamInfo{
		Category:        stream.Category,
		Direction:       stream.Direction,
		OwnerID:         stream.OwnerID,
		StreamID:        stream.StreamID,
		Codec:           stream.Codec,
		State:           stream.state,
		PacketsSent:     stream.packetsSent,
		BytesSent:       stream.bytesSent,
		PacketsReceived: stream.packetsRecvd,
		BytesReceived:   stream.bytesRecvd,
		PacketsLost:     stream.packetsLost,
	}
}

// Streams lists the read-only info of every live stream.
func (client *Client) Streams() []StreamInfo {
	streams := client.streams.all()
	result := make([]StreamInfo, 0, len(streams))
	for _, stream := range streams {
		result = append(result, client.streams.info(stream))
	}
	return result
}

// Stream returns the info of one stream by owner, category and direction.
func (client *Client) Stream(ownerID int, category StreamCategory, direction Direction) (StreamInfo, bool) {
	stream := client.streams.get(streamKey{ownerID, category, direction})
	if stream == nil {
		return StreamInfo{}, false
	}
	return client.streams.info(stream), true
}

// StartStream negotiates an outbound stream of the category. Codec
// parameters are validated locally first: a violation returns a
// ConfigurationError without any network I/O. On server acknowledgment the
// stream goes Active and the source is polled at the transmit interval.
func (client *Client) StartStream(category StreamCategory, codec directory.Codec, source PayloadSource) error {
	if _, ok := streamCategoryNames[category]; !ok {
		return newError(KindConfiguration, "unknown stream category")
	}

	state := client.State()
	switch category {
	case StreamFile:
		return newError(KindConfiguration, "file streams are started with SendFile/RecvFile")
	case StreamMediaFile:
		if state != StateIdle && state != StateInChannel {
			return newError(KindChannel, "not logged in")
		}
	default:
		if state != StateInChannel {
			return newError(KindChannel, "%s streams require an active channel", category)
		}
	}

	if err := client.validateCodec(category, codec); err != nil {
		return err
	}

	if right, ok := transmitRightFor(category); ok {
		if !client.Account().Rights.Has(right) {
			return newError(KindRights, "account may not transmit %s", category)
		}
	}

	key := streamKey{client.SessionID(), category, DirectionOutgoing}
	if existing := client.streams.get(key); existing != nil {
		return newError(KindConfiguration, "a %s stream is already open", category)
	}

	cmd := NewCommand("streamstart").
		Set("category", category.String()).
		Set("codec", codec.Type).
		SetInt("samplerate", codec.SampleRate).
		SetInt("channels", codec.Channels).
		SetInt("bitrate", codec.BitrateBps).
		SetInt("txinterval", codec.TxIntervalMS).
		SetBool("dtx", codec.DTX)

	stream := &MediaStream{
		Category:  category,
		Direction: DirectionOutgoing,
		OwnerID:   key.owner,
		Codec:     codec,
		state:     StreamNegotiating,
		source:    source,
		stopTx:    make(chan struct{}),
	}

	client.streams.insert(stream)

	if _, err := client.sendCommand(cmd, &pendingCommand{stream: stream}); err != nil {
		client.streams.remove(stream)
		return err
	}

	client.emitStreamState(stream)

	return nil
}

// StopStream stops the outbound stream of the category. It is idempotent:
// without a live stream it is a no-op, and the local teardown never waits
// for the server.
func (client *Client) StopStream(category StreamCategory) error {
	stream := client.streams.get(streamKey{client.SessionID(), category, DirectionOutgoing})
	if stream == nil {
		return nil
	}

	client.closeStream(stream, true)
	return nil
}

// closeStream tears a stream down locally and optionally tells the server.
// Safe to call more than once per stream; only the first call acts.
func (client *Client) closeStream(stream *MediaStream, notifyServer bool) {
	client.streams.mutex.Lock()
	alreadyClosed := stream.state == StreamClosed
	stream.state = StreamClosed
	client.streams.mutex.Unlock()

	if alreadyClosed {
		return
	}

	if stream.stopTx != nil {
		close(stream.stopTx)
	}

	client.streams.remove(stream)
	client.emitStreamState(stream)

	if notifyServer && stream.Direction == DirectionOutgoing {
		cmd := NewCommand("streamstop").SetInt("streamid", int(stream.StreamID))
		_, _ = client.SendCommand(cmd)
	}
}

// forceCloseStreams closes every stream locally, server not consulted. Runs
// before the control connection closes so no stream outlives its session.
func (client *Client) forceCloseStreams() {
	for _, stream := range client.streams.all() {
		client.closeStream(stream, false)
	}
}

// closeChannelStreams tears down the streams that cannot exist outside a
// channel: voice, video and desktop. File and media-file streams are bound
// to the session and survive. The server drops its side with the channel
// membership, so this is local only.
func (client *Client) closeChannelStreams() {
	for _, stream := range client.streams.all() {
		switch stream.Category {
		case StreamVoice, StreamVideo, StreamDesktop:
			client.closeStream(stream, false)
		}
	}
}

// validateCodec rejects parameters that violate server, channel or account
// ceilings. Ceiling 0 means unlimited.
func (client *Client) validateCodec(category StreamCategory, codec directory.Codec) error {
	if codec.Channels != 0 && codec.Channels != 1 && codec.Channels != 2 {
		return newError(KindConfiguration, "channels must be mono or stereo")
	}
	if category == StreamVoice && codec.SampleRate <= 0 {
		return newError(KindConfiguration, "voice requires a sample rate")
	}
	if codec.TxIntervalMS < 0 {
		return newError(KindConfiguration, "negative transmit interval")
	}

	ceiling := client.bitrateCeiling(category)
	if ceiling > 0 && codec.BitrateBps > ceiling {
		return newError(KindConfiguration, "bitrate %d exceeds ceiling %d", codec.BitrateBps, ceiling)
	}

	return nil
}

// bitrateCeiling is min(channel, account, server) for the category, with 0
// meaning unlimited at every level.
func (client *Client) bitrateCeiling(category StreamCategory) int {
	ceiling := 0
	apply := func(limit int) {
		if limit > 0 && (ceiling == 0 || limit < ceiling) {
			ceiling = limit
		}
	}

	if path := client.ChannelPath(); path != "" && category == StreamVoice {
		if channel, ok := client.directory.Channel(path); ok {
			apply(channel.Codec.BitrateBps)
		}
	}

	apply(client.Account().MaxBitrateBps)

	server := client.directory.Server()
	switch category {
	case StreamVoice:
		apply(server.VoiceBps)
	case StreamVideo:
		apply(server.VideoBps)
	case StreamDesktop:
		apply(server.DesktopBps)
	case StreamFile:
		apply(server.FileBps)
	case StreamMediaFile:
		apply(server.MediaFileBps)
	}

	return ceiling
}

func transmitRightFor(category StreamCategory) (Right, bool) {
	switch category {
	case StreamVoice:
		return RightTransmitVoice, true
	case StreamVideo:
		return RightTransmitVideo, true
	case StreamDesktop:
		return RightTransmitDesktop, true
	case StreamMediaFile:
		return RightTransmitFiles, true
	default:
		return 0, false
	}
}

// streamAcknowledged is run on the event loop when the server acks a
// streamstart. The stream gets its wire id and starts transmitting.
func (client *Client) streamAcknowledged(stream *MediaStream, streamID uint32) {
	client.streams.mutex.Lock()
	if stream.state != StreamNegotiating {
		// Closed while the ack was in flight; the id must not be
		// registered for a stream that no longer exists.
		client.streams.mutex.Unlock()
		return
	}
	stream.StreamID = streamID
	client.streams.byID[streamID] = stream
	stream.state = StreamActive
	client.streams.mutex.Unlock()

	client.emitStreamState(stream)

	go client.transmitLoop(stream)
}

// transmitLoop emits one packet per transmit interval until the stream
// closes or the source ends. It runs off the event loop; bookkeeping is
// handed back via udp.sent events.
func (client *Client) transmitLoop(stream *MediaStream) {
	interval := time.Duration(stream.Codec.TxIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 40 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32

	for {
		select {
		case <-stream.stopTx:
			return
		case <-client.ctx.Done():
			return
		case <-ticker.C:
		}

		payload, active, err := stream.source.Next()
		if err != nil {
			if err != io.EOF {
				client.EmitNonBlocking(NewErrorEvent(wrapError(KindTransfer, err, "stream source failed")))
			}
			client.EmitNonBlocking(client.streamStopEvent(stream))
			return
		}

		// DTX: silence suppresses voice packets entirely.
		if !active && stream.Category == StreamVoice && stream.Codec.DTX {
			continue
		}

		seq++
		packet := encodePacket(stream.Category, stream.StreamID, seq, payload)
		if err := client.writeDatagram(packet); err != nil {
			client.config.Logger.Debug("datagram send failed", zap.Error(err))
			continue
		}

		sent := NewEvent("udp", "sent")
		sent.Fields["streamid"] = itoa(int(stream.StreamID))
		sent.Fields["length"] = itoa(len(payload))
		client.EmitNonBlocking(sent)
	}
}

// streamStopEvent asks the loop to close the stream; the transmit goroutine
// must not touch the stream table itself.
func (client *Client) streamStopEvent(stream *MediaStream) Event {
	event := NewEvent("udp", "txend")
	event.Fields["streamid"] = itoa(int(stream.StreamID))
	return event
}

// receivePacket is run on the event loop for each inbound datagram. Loss is
// inferred from sequence gaps and only ever counted, never corrected.
func (client *Client) receivePacket(streamID, seq uint32, length int) {
	client.streams.mutex.Lock()
	stream := client.streams.byID[streamID]
	if stream == nil || stream.Direction != DirectionIncoming {
		client.streams.mutex.Unlock()
		return
	}

	owner := stream.OwnerID
	category := stream.Category

	stream.packetsRecvd++
	stream.bytesRecvd += uint64(length)
	if stream.lastSeq != 0 && seq > stream.lastSeq+1 {
		stream.packetsLost += uint64(seq - stream.lastSeq - 1)
	}
	if seq > stream.lastSeq {
		stream.lastSeq = seq
	}
	stream.lastPacketAt = time.Now()
	wasStalled := stream.state == StreamStalled
	if wasStalled {
		stream.state = StreamActive
	}
	client.streams.mutex.Unlock()

	if wasStalled {
		client.emitStreamState(stream)
	}

	// Subscription boundary: bookkeeping above still counts the packet,
	// but collaborators never see a disabled category.
	if sub, ok := subscriptionFor(category); ok && !client.subscribed(owner, sub) {
		return
	}

	packet := NewEvent("stream", "packet")
	packet.Fields["streamid"] = itoa(int(streamID))
	packet.Fields["sessionid"] = itoa(owner)
	packet.Fields["category"] = category.String()
	packet.Fields["seq"] = itoa(int(seq))
	packet.Fields["length"] = itoa(length)
	client.EmitNonBlocking(packet)
}

// checkStalledStreams is run on the loop tick and reports inbound streams
// that stopped producing packets.
func (client *Client) checkStalledStreams() {
	now := time.Now()

	var stalled []*MediaStream
	client.streams.mutex.Lock()
	for _, stream := range client.streams.streams {
		if stream.Direction != DirectionIncoming || stream.state != StreamActive {
			continue
		}
		if !stream.lastPacketAt.IsZero() && now.Sub(stream.lastPacketAt) > stalledAfter {
			stream.state = StreamStalled
			stalled = append(stalled, stream)
		}
	}
	client.streams.mutex.Unlock()

	for _, stream := range stalled {
		client.emitStreamState(stream)
	}
}

func (client *Client) emitStreamState(stream *MediaStream) {
	client.streams.mutex.RLock()
	state := stream.state
	client.streams.mutex.RUnlock()

	event := NewEvent("stream", "state")
	event.Fields["category"] = stream.Category.String()
	event.Fields["direction"] = stream.Direction.String()
	event.Fields["state"] = state.String()
	event.Fields["sessionid"] = itoa(stream.OwnerID)
	event.Fields["streamid"] = itoa(int(stream.StreamID))
	client.EmitNonBlocking(event)
}

// encodePacket lays out the datagram: category, stream id, sequence,
// payload length, payload.
func encodePacket(category StreamCategory, streamID, seq uint32, payload []byte) []byte {
	packet := make([]byte, packetHeaderSize+len(payload))
	packet[0] = byte(category)
	binary.BigEndian.PutUint32(packet[1:], streamID)
	binary.BigEndian.PutUint32(packet[5:], seq)
	binary.BigEndian.PutUint32(packet[9:], uint32(len(payload)))
	copy(packet[packetHeaderSize:], payload)

	return packet
}

// parsePacketHeader validates and splits a datagram.
func parsePacketHeader(data []byte) (category StreamCategory, streamID, seq uint32, payload []byte, err error) {
	if len(data) < packetHeaderSize {
		err = newError(KindProtocol, "short datagram (%d bytes)", len(data))
		return
	}

	category = StreamCategory(data[0])
	streamID = binary.BigEndian.Uint32(data[1:])
	seq = binary.BigEndian.Uint32(data[5:])
	length := binary.BigEndian.Uint32(data[9:])

	if int(length) != len(data)-packetHeaderSize {
		err = newError(KindProtocol, "datagram length mismatch")
		return
	}

	payload = data[packetHeaderSize:]
	return
}

// A FilePayloadSource streams a local file as fixed-size chunks, for
// media-file streaming. Reads run on the stream's transmit goroutine.
type FilePayloadSource struct {
	file      *os.File
	chunkSize int
}

// OpenFilePayloadSource opens a file for streaming with the chunk size
// (defaulting to 4096 if zero or negative).
func OpenFilePayloadSource(path string, chunkSize int) (*FilePayloadSource, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, wrapError(KindTransfer, err, "open media file")
	}

	return &FilePayloadSource{file: file, chunkSize: chunkSize}, nil
}

// Next reads the next chunk. Returns io.EOF at the end, which closes the
// stream cleanly.
func (source *FilePayloadSource) Next() ([]byte, bool, error) {
	buffer := make([]byte, source.chunkSize)

	n, err := source.file.Read(buffer)
	if n > 0 {
		return buffer[:n], true, nil
	}
	if err == nil {
		err = io.EOF
	}
	_ = source.file.Close()

	return nil, false, err
}
