package vox

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mvaberg/vox/directory"
)

// protocolVersion is sent on login and echoed by the server's welcome.
const protocolVersion = 1

// A Client is one session against one server: the session state machine,
// the control connection, the datagram socket, and the components hanging
// off them (directory, streams, transfers, flood guard, reconnection).
// You need to use New to construct it. Multiple clients are independent;
// nothing here is process-global except registered global handlers.
type Client struct {
	id     string
	config Config
	log    *zap.Logger

	mutex  sync.RWMutex
	conn   net.Conn
	udp    net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	events chan *Event

	state       SessionState
	quit        bool
	host        string
	tcpPort     int
	udpPort     int
	sessionID   int
	nickname    string
	account     Account
	channelPath string

	lastPong time.Time
	lastPing time.Time

	cmdCounter int
	pending    map[int]*pendingCommand

	// Reconnection bookkeeping: the last successful connect/join target.
	rejoinChannel  string
	rejoinPassword string
	reconnecting   bool
	pendingRejoin  bool

	directory *directory.Directory
	streams   *multiplexer
	guard     *floodGuard

	transferMutex sync.RWMutex
	transfers     map[string]*transfer
	transferOrder []*transfer

	handlerMutex sync.RWMutex
	handlers     []Handler
}

// A pendingCommand is an in-flight command round-trip, kept until the
// server's ok/error with the same id arrives, or the scope it belongs to is
// torn down.
type pendingCommand struct {
	verb     string
	channel  string
	password string
	nickname string

	rejoin bool

	stream   *MediaStream
	transfer *transfer

	subSession   int
	subMask      SubscriptionSet
	subDirection Direction
}

// New creates a new client. The context can be context.Background if you
// want to manually tear down clients upon quitting.
func New(ctx context.Context, config Config) *Client {
	config = config.WithDefaults()

	client := &Client{
		id:        uuid.Must(uuid.NewV4()).String(),
		config:    config,
		log:       config.Logger,
		events:    make(chan *Event, 64),
		state:     StateDisconnected,
		pending:   make(map[int]*pendingCommand, 8),
		directory: directory.New(),
		streams:   newMultiplexer(),
		guard:     newFloodGuard(FloodPolicy{}),
		transfers: make(map[string]*transfer, 4),
	}

	client.ctx, client.cancel = context.WithCancel(ctx)

	go client.handleEventLoop()

	return client
}

// Context gets the client's context. It's cancelled if the parent context
// used in New is, or Destroy is called.
func (client *Client) Context() context.Context {
	return client.ctx
}

// ID gets the unique identifier for the client, for use in data structures.
func (client *Client) ID() string {
	return client.id
}

// Nickname gets the client's current nickname.
func (client *Client) Nickname() string {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.nickname
}

// Directory exposes the directory cache. Collaborators read it freely; it
// is only ever written by the client's event loop.
func (client *Client) Directory() *directory.Directory {
	return client.directory
}

// AddHandler registers a handler for this client's events.
func (client *Client) AddHandler(handler Handler) {
	client.handlerMutex.Lock()
	client.handlers = append(client.handlers, handler)
	client.handlerMutex.Unlock()
}

// Connect dials the server's control and datagram endpoints and starts the
// login sequence. Valid only while disconnected; the caller observes the
// outcome through client.ready or error events.
func (client *Client) Connect(host string, tcpPort, udpPort int) error {
	if tcpPort <= 0 {
		tcpPort = DefaultTCPPort
	}
	if udpPort <= 0 {
		udpPort = DefaultUDPPort
	}

	client.mutex.Lock()
	if client.state != StateDisconnected {
		client.mutex.Unlock()
		return newError(KindTransport, "connect from state %s", client.state)
	}
	client.state = StateConnecting
	client.quit = false
	client.host = host
	client.tcpPort = tcpPort
	client.udpPort = udpPort
	client.mutex.Unlock()

	client.EmitSync(context.Background(), NewEvent("client", "connecting"))

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(tcpPort)), client.config.ConnectTimeout)
	if err != nil {
		client.setState(StateDisconnected)
		return wrapError(KindTransport, err, "control connect")
	}

	udp, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(udpPort)))
	if err != nil {
		_ = conn.Close()
		client.setState(StateDisconnected)
		return wrapError(KindTransport, err, "datagram socket")
	}

	client.mutex.Lock()
	client.conn = conn
	client.udp = udp
	client.lastPong = time.Now()
	client.lastPing = time.Now()
	client.mutex.Unlock()

	go client.tcpReadLoop(conn)
	go client.udpReadLoop(udp)

	client.Emit(NewEvent("client", "connect"))

	return nil
}

// Disconnect tears the session down locally. It always succeeds from any
// connected state: every stream is force-closed and every transfer aborted
// before the control connection goes, so nothing outlives the session.
func (client *Client) Disconnect() error {
	client.mutex.Lock()
	if client.state == StateDisconnected {
		client.mutex.Unlock()
		return newError(KindTransport, "not connected")
	}
	client.quit = true
	prior := client.state
	client.state = StateDisconnecting
	conn := client.conn
	udp := client.udp
	client.mutex.Unlock()

	client.emitStateEvent(StateDisconnecting)

	// Shutdown order: streams first, then transfers, then the transport.
	client.forceCloseStreams()
	client.abortTransfers()

	// Best effort; the server notices the close either way.
	if prior == StateIdle || prior == StateInChannel {
		_, _ = client.SendCommand(NewCommand("logout"))
	}

	if udp != nil {
		_ = udp.Close()
	}
	if conn != nil {
		_ = conn.Close()
		return nil
	}

	// Never had a live control connection (connecting); finish here since
	// no read loop will emit the disconnect event.
	client.EmitNonBlocking(NewEvent("client", "disconnect"))
	return nil
}

// Connected returns true if the client has a control connection.
func (client *Client) Connected() bool {
	client.mutex.RLock()
	defer client.mutex.RUnlock()

	return client.conn != nil
}

// Destroy destroys the client, which will lead to a disconnect. Cancelling
// the parent context does the same.
func (client *Client) Destroy() {
	if client.Connected() {
		_ = client.Disconnect()
	}
	client.cancel()
}

// Destroyed returns true if the client has been destroyed.
func (client *Client) Destroyed() bool {
	select {
	case <-client.ctx.Done():
		return true
	default:
		return false
	}
}

// Send writes a raw line on the control connection. Most callers want
// SendCommand, which assigns ids and consults the flood guard.
func (client *Client) Send(line string) error {
	client.mutex.RLock()
	conn := client.conn
	client.mutex.RUnlock()

	if conn == nil {
		return newError(KindTransport, "no connection")
	}

	if !strings.HasSuffix(line, "\r\n") {
		line += "\r\n"
	}

	_, err := conn.Write([]byte(line))
	if err != nil {
		client.EmitNonBlocking(NewErrorEvent(wrapError(KindTransport, err, "control write")))
		_ = conn.Close()
		return wrapError(KindTransport, err, "control write")
	}

	return nil
}

// SendCommand assigns the command an id, passes it through the flood guard
// and writes it. It returns the command id for correlating the eventual
// cmd.ok/cmd.error event. The guard only accepts or rejects; it never
// delays, so a RateLimitedError comes back synchronously.
func (client *Client) SendCommand(cmd *Command) (int, error) {
	return client.sendCommand(cmd, &pendingCommand{})
}

// sendCommand registers the prepared round-trip before the line is written,
// so a reply processed by the loop right after the write still finds the
// command's metadata in place.
func (client *Client) sendCommand(cmd *Command, pending *pendingCommand) (int, error) {
	if cmd.Verb() != "ping" && cmd.Verb() != "logout" {
		if err := client.guard.issue(cmd.Verb()); err != nil {
			return 0, err
		}
	}

	pending.verb = cmd.Verb()

	client.mutex.Lock()
	client.cmdCounter++
	id := client.cmdCounter
	client.pending[id] = pending
	client.mutex.Unlock()

	cmd.SetInt("id", id)

	if err := client.Send(cmd.String()); err != nil {
		client.mutex.Lock()
		delete(client.pending, id)
		client.mutex.Unlock()
		return 0, err
	}

	return id, nil
}

// JoinChannel asks to join (or switch to) the channel at path. The state
// moves to InChannel only on the server's confirmation; a rejection leaves
// everything as it was.
func (client *Client) JoinChannel(path, password string) error {
	return client.joinChannel(path, password, false)
}

func (client *Client) joinChannel(path, password string, rejoin bool) error {
	state := client.State()
	if state != StateIdle && state != StateInChannel {
		return newError(KindChannel, "join from state %s", state)
	}

	cmd := NewCommand("join").Set("channel", path)
	if password != "" {
		cmd.Set("password", password)
	}

	_, err := client.sendCommand(cmd, &pendingCommand{
		channel:  path,
		password: password,
		rejoin:   rejoin,
	})
	return err
}

// LeaveChannel leaves the active channel.
func (client *Client) LeaveChannel() error {
	if client.State() != StateInChannel {
		return newError(KindChannel, "not in a channel")
	}

	_, err := client.SendCommand(NewCommand("leave"))
	return err
}

// MakeChannel asks the server to create a channel. Permanent channels need
// the modify-channels right, temporary ones the weaker temporary right.
func (client *Client) MakeChannel(channel directory.Channel) error {
	required := RightTemporaryChannels
	if channel.Permanent {
		required = RightModifyChannels
	}
	if !client.Account().Rights.Has(required) {
		return newError(KindRights, "account may not create this channel")
	}

	_, err := client.SendCommand(channelCommand("makechannel", channel))
	return err
}

// UpdateChannel asks the server to update a channel's properties.
func (client *Client) UpdateChannel(channel directory.Channel) error {
	if !client.Account().Rights.Has(RightModifyChannels) {
		return newError(KindRights, "account may not modify channels")
	}

	_, err := client.SendCommand(channelCommand("updatechannel", channel))
	return err
}

// RemoveChannel asks the server to delete the channel at path.
func (client *Client) RemoveChannel(path string) error {
	if !client.Account().Rights.Has(RightModifyChannels) {
		return newError(KindRights, "account may not remove channels")
	}

	_, err := client.SendCommand(NewCommand("removechannel").Set("channel", path))
	return err
}

func channelCommand(verb string, channel directory.Channel) *Command {
	return NewCommand(verb).
		Set("channel", channel.Path).
		Set("topic", channel.Topic).
		Set("password", channel.Password).
		Set("oppassword", channel.OperatorPassword).
		SetInt("maxusers", channel.MaxUsers).
		SetInt("diskquota", int(channel.DiskQuota)).
		SetBool("permanent", channel.Permanent).
		SetBool("classroom", channel.Classroom).
		SetBool("opcontrolled", channel.OperatorControlled).
		SetBool("oprecvonly", channel.OperatorReceiveOnly).
		SetBool("novoiceact", channel.NoVoiceActivation).
		SetBool("norecord", channel.NoRecording).
		SetBool("fixedvolume", channel.FixedVolume).
		Set("codec", channel.Codec.Type).
		SetInt("samplerate", channel.Codec.SampleRate).
		SetInt("channels", channel.Codec.Channels).
		SetInt("bitrate", channel.Codec.BitrateBps).
		SetInt("txinterval", channel.Codec.TxIntervalMS).
		SetBool("dtx", channel.Codec.DTX)
}

// Kick removes a user from their channel (or the server, when the server
// operator does it with an empty channel path).
func (client *Client) Kick(sessionID int, channelPath string) error {
	if !client.Account().Rights.Has(RightKick) {
		return newError(KindRights, "account may not kick")
	}

	cmd := NewCommand("kick").SetInt("sessionid", sessionID)
	if channelPath != "" {
		cmd.Set("channel", channelPath)
	}

	_, err := client.SendCommand(cmd)
	return err
}

// BanUser bans the user behind a session, server-wide when channelPath is
// empty and channel-scoped otherwise.
func (client *Client) BanUser(sessionID int, channelPath string) error {
	if !client.Account().Rights.Has(RightBan) {
		return newError(KindRights, "account may not ban")
	}

	cmd := NewCommand("ban").SetInt("sessionid", sessionID)
	if channelPath != "" {
		cmd.Set("channel", channelPath)
	}

	_, err := client.SendCommand(cmd)
	return err
}

// Unban lifts a ban. The server keeps the entry on its remembered list, and
// the directory mirrors that on the removeban event.
func (client *Client) Unban(entry directory.BanEntry) error {
	if !client.Account().Rights.Has(RightBan) {
		return newError(KindRights, "account may not unban")
	}

	cmd := NewCommand("unban").Set("ip", entry.IP).Set("username", entry.Username)
	if entry.Scope != "" {
		cmd.Set("channel", entry.Scope)
	}

	_, err := client.SendCommand(cmd)
	return err
}

// ListBans asks the server for the ban list; entries arrive as addban
// events before the command's ok.
func (client *Client) ListBans(channelPath string) error {
	if !client.Account().Rights.Has(RightBan) {
		return newError(KindRights, "account may not list bans")
	}

	cmd := NewCommand("listbans")
	if channelPath != "" {
		cmd.Set("channel", channelPath)
	}

	_, err := client.SendCommand(cmd)
	return err
}

// MoveUser moves another user into a channel.
func (client *Client) MoveUser(sessionID int, channelPath string) error {
	if !client.Account().Rights.Has(RightMoveUsers) {
		return newError(KindRights, "account may not move users")
	}

	_, err := client.SendCommand(NewCommand("moveuser").
		SetInt("sessionid", sessionID).
		Set("channel", channelPath))
	return err
}

// Op grants or revokes channel operator status for a user.
func (client *Client) Op(sessionID int, channelPath string, grant bool) error {
	_, err := client.SendCommand(NewCommand("op").
		SetInt("sessionid", sessionID).
		Set("channel", channelPath).
		SetBool("grant", grant))
	return err
}

// SendUserMessage sends a private text message to a session.
func (client *Client) SendUserMessage(sessionID int, text string) error {
	_, err := client.SendCommand(NewCommand("message").
		Set("type", "user").
		SetInt("sessionid", sessionID).
		Set("content", text))
	return err
}

// SendChannelMessage sends a text message to the active channel.
func (client *Client) SendChannelMessage(text string) error {
	if client.State() != StateInChannel {
		return newError(KindChannel, "not in a channel")
	}

	_, err := client.SendCommand(NewCommand("message").
		Set("type", "channel").
		Set("content", text))
	return err
}

// SendBroadcast sends a server-wide text message.
func (client *Client) SendBroadcast(text string) error {
	if !client.Account().Rights.Has(RightBroadcast) {
		return newError(KindRights, "account may not broadcast")
	}

	_, err := client.SendCommand(NewCommand("message").
		Set("type", "broadcast").
		Set("content", text))
	return err
}

// ChangeNickname changes the nickname for this session.
func (client *Client) ChangeNickname(nickname string) error {
	if !client.Account().Rights.Has(RightChangeNickname) {
		return newError(KindRights, "account may not change nickname")
	}

	cmd := NewCommand("changenick").Set("nickname", nickname)
	_, err := client.sendCommand(cmd, &pendingCommand{nickname: nickname})
	return err
}

// ChangeStatus updates the status mode and message other users see.
func (client *Client) ChangeStatus(mode directory.StatusMode, message string) error {
	_, err := client.SendCommand(NewCommand("changestatus").
		SetInt("mode", int(mode)).
		Set("message", message))
	return err
}

// UpdateServerProperties pushes new server properties; admin only.
func (client *Client) UpdateServerProperties(props directory.ServerProperties) error {
	if !client.Account().Rights.Has(RightUpdateServer) {
		return newError(KindRights, "account may not update the server")
	}

	_, err := client.SendCommand(NewCommand("updateserver").
		Set("servername", props.Name).
		Set("motd", props.MOTD).
		SetInt("maxusers", props.MaxUsers).
		SetInt("voicebps", props.VoiceBps).
		SetInt("videobps", props.VideoBps).
		SetInt("desktopbps", props.DesktopBps).
		SetInt("filebps", props.FileBps).
		SetInt("mediafilebps", props.MediaFileBps))
	return err
}

// QueryServerStats asks for server statistics; they arrive on the
// serverstats event.
func (client *Client) QueryServerStats() error {
	_, err := client.SendCommand(NewCommand("querystats"))
	return err
}

// Emit sends an event through the client's loop. It returns immediately
// unless the internal channel is filled up. The returned context can be
// used to wait for the event, or the client's destruction.
func (client *Client) Emit(event Event) context.Context {
	event.ctx, event.cancel = context.WithCancel(client.ctx)
	client.events <- &event

	return event.ctx
}

// EmitNonBlocking is just like Emit, but it will spin off a goroutine if
// the channel is full. This lets it be called from handlers and workers
// without ever blocking.
func (client *Client) EmitNonBlocking(event Event) context.Context {
	event.ctx, event.cancel = context.WithCancel(client.ctx)

	select {
	case client.events <- &event:
	default:
		go func() { client.events <- &event }()
	}

	return event.ctx
}

// EmitSync emits an event and waits for it to be processed, or for the
// passed context to end.
func (client *Client) EmitSync(ctx context.Context, event Event) error {
	eventCtx := client.Emit(event)

	select {
	case <-eventCtx.Done():
		if err := eventCtx.Err(); err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tcpReadLoop feeds control lines into the event loop until the connection
// dies, then emits the disconnect event.
func (client *Client) tcpReadLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		event, err := ParseLine(line)
		if err != nil {
			client.log.Debug("unparsable control line", zap.String("line", line), zap.Error(err))
			continue
		}

		client.Emit(event)
	}

	client.mutex.Lock()
	if client.conn == conn {
		client.conn = nil
		if client.udp != nil {
			_ = client.udp.Close()
			client.udp = nil
		}
	}
	client.mutex.Unlock()

	client.EmitNonBlocking(NewEvent("client", "disconnect"))
}

// udpReadLoop parses datagrams and hands their bookkeeping to the event
// loop; the loop is the only place stream state changes.
func (client *Client) udpReadLoop(udp net.Conn) {
	buffer := make([]byte, 65536)

	for {
		n, err := udp.Read(buffer)
		if err != nil {
			return
		}

		category, streamID, seq, payload, err := parsePacketHeader(buffer[:n])
		if err != nil || category == packetHello {
			continue
		}

		event := NewEvent("udp", "recv")
		event.Fields["streamid"] = itoa(int(streamID))
		event.Fields["seq"] = itoa(int(seq))
		event.Fields["length"] = itoa(len(payload))
		client.EmitNonBlocking(event)
	}
}

func (client *Client) writeDatagram(packet []byte) error {
	client.mutex.RLock()
	udp := client.udp
	client.mutex.RUnlock()

	if udp == nil {
		return newError(KindTransport, "no datagram socket")
	}

	_, err := udp.Write(packet)
	return err
}

// sendHello announces our datagram endpoint to the server; sent after login
// and on every tick as a keepalive.
func (client *Client) sendHello() {
	sessionID := client.SessionID()
	if sessionID == 0 {
		return
	}

	_ = client.writeDatagram(encodePacket(packetHello, uint32(sessionID), 0, nil))
}

func (client *Client) handleEventLoop() {
	ticker := time.NewTicker(time.Second)

	for {
		select {
		case event, ok := <-client.events:
			if !ok {
				ticker.Stop()
				return
			}

			client.handleEvent(event)
			emit(event, client)

			event.cancel()

		case <-ticker.C:
			event := NewEvent("client", "tick")
			event.ctx, event.cancel = context.WithCancel(client.ctx)

			client.handleEvent(&event)
			emit(&event, client)

			event.cancel()

		case <-client.ctx.Done():
			ticker.Stop()

			if client.Connected() {
				_ = client.Disconnect()
			}

			event := NewEvent("client", "destroy")
			event.ctx, event.cancel = context.WithCancel(context.Background())

			client.handleEvent(&event)
			emit(&event, client)

			event.cancel()
			return
		}
	}
}

func (client *Client) setState(state SessionState) {
	client.mutex.Lock()
	if client.state == state {
		client.mutex.Unlock()
		return
	}
	client.state = state
	client.mutex.Unlock()

	client.emitStateEvent(state)
}

func (client *Client) emitStateEvent(state SessionState) {
	event := NewEvent("client", "state")
	event.Fields["state"] = state.String()
	client.EmitNonBlocking(event)
}

// handleEvent is always first and gets to break a few rules: it is the only
// code that mutates the directory and the stream table.
func (client *Client) handleEvent(event *Event) {
	switch event.Name() {

	case "client.tick":
		client.handleTick()

	case "client.connect":
		client.setState(StateAuthenticating)

		cmd := NewCommand("login").
			Set("nickname", client.config.Nickname).
			Set("username", client.config.Username).
			Set("password", client.config.Password).
			Set("clientname", client.config.ClientName).
			SetInt("protocol", protocolVersion)

		if _, err := client.SendCommand(cmd); err != nil {
			client.log.Warn("login send failed", zap.Error(err))
		}

	case "client.disconnect":
		client.handleDisconnected()

	case "server.welcome":
		client.handleWelcome(event)

	case "server.accepted":
		client.handleAccepted(event)

	case "server.serverupdate":
		client.handleServerUpdate(event)

	case "server.addchannel", "server.updatechannel":
		client.handleChannelUpsert(event)

	case "server.removechannel":
		path := event.Field("channel")
		if client.directory.RemoveChannel(path) {
			removed := NewEvent("channel", "removed")
			removed.Fields["channel"] = path
			client.EmitNonBlocking(removed)
		}

	case "server.loggedin":
		client.handleLoggedIn(event)

	case "server.loggedoff":
		sessionID := event.Int("sessionid")
		if client.directory.RemoveUser(sessionID) {
			off := NewEvent("user", "loggedoff")
			off.Fields["sessionid"] = itoa(sessionID)
			client.EmitNonBlocking(off)
		}

	case "server.adduser":
		client.handleUserJoined(event)

	case "server.removeuser":
		client.handleUserLeft(event)

	case "server.updateuser":
		client.handleUserUpdated(event)

	case "server.addban":
		client.directory.AddBan(banFromEvent(event))
		added := NewEvent("ban", "added")
		added.Fields["ip"] = event.Field("ip")
		added.Fields["username"] = event.Field("username")
		added.Fields["channel"] = event.Field("channel")
		client.EmitNonBlocking(added)

	case "server.removeban":
		if client.directory.RemoveBan(banFromEvent(event)) {
			removed := NewEvent("ban", "removed")
			removed.Fields["ip"] = event.Field("ip")
			removed.Fields["username"] = event.Field("username")
			removed.Fields["channel"] = event.Field("channel")
			client.EmitNonBlocking(removed)
		}

	case "server.messagedeliver":
		client.handleMessage(event)

	case "server.streamadd":
		client.handleStreamAdd(event)

	case "server.streamremove":
		client.handleStreamRemove(event)

	case "server.kicked":
		kicked := NewEvent("client", "kicked")
		kicked.Fields["channel"] = event.Field("channel")
		client.EmitNonBlocking(kicked)

		// A channel-scope kick drops us back to idle; a server-scope kick
		// is followed by the server closing the connection.
		if event.Field("channel") != "" && client.State() == StateInChannel {
			client.mutex.Lock()
			client.channelPath = ""
			client.mutex.Unlock()
			client.closeChannelStreams()
			client.setState(StateIdle)
		}

	case "server.pong":
		client.mutex.Lock()
		client.lastPong = time.Now()
		client.mutex.Unlock()

	case "server.ok":
		client.completePending(event, nil)

	case "server.error":
		client.handleServerError(event)

	case "udp.recv":
		client.receivePacket(uint32(event.Int("streamid")), uint32(event.Int("seq")), event.Int("length"))

	case "udp.sent":
		client.accountSentPacket(uint32(event.Int("streamid")), event.Int("length"))

	case "udp.txend":
		client.streams.mutex.RLock()
		stream := client.streams.byID[uint32(event.Int("streamid"))]
		client.streams.mutex.RUnlock()
		if stream != nil {
			client.closeStream(stream, true)
		}
	}
}

func (client *Client) handleTick() {
	client.mutex.RLock()
	connected := client.conn != nil
	lastPong := client.lastPong
	lastPing := client.lastPing
	state := client.state
	client.mutex.RUnlock()

	if !connected || state == StateConnecting {
		return
	}

	if time.Since(lastPong) > 2*client.config.PingInterval {
		client.log.Warn("server stopped answering pings")
		client.mutex.RLock()
		conn := client.conn
		client.mutex.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if time.Since(lastPing) >= client.config.PingInterval {
		client.mutex.Lock()
		client.lastPing = time.Now()
		client.mutex.Unlock()

		_, _ = client.SendCommand(NewCommand("ping"))
		client.sendHello()
	}

	client.checkStalledStreams()
}

func (client *Client) handleWelcome(event *Event) {
	client.mutex.RLock()
	host := client.host
	tcpPort := client.tcpPort
	udpPort := client.udpPort
	client.mutex.RUnlock()

	client.directory.SetServer(directory.ServerProperties{
		Name:            event.Field("servername"),
		MOTD:            event.Field("motd"),
		Host:            host,
		TCPPort:         tcpPort,
		UDPPort:         udpPort,
		Encrypted:       event.Bool("encrypted"),
		ProtocolVersion: event.Int("protocol"),
		MaxUsers:        event.Int("maxusers"),
		VoiceBps:        event.Int("voicebps"),
		VideoBps:        event.Int("videobps"),
		DesktopBps:      event.Int("desktopbps"),
		FileBps:         event.Int("filebps"),
		MediaFileBps:    event.Int("mediafilebps"),
	})
}

func (client *Client) handleServerUpdate(event *Event) {
	props := client.directory.Server()

	if v := event.Field("servername"); v != "" {
		props.Name = v
	}
	if v := event.Field("motd"); v != "" {
		props.MOTD = v
	}
	if _, ok := event.Fields["maxusers"]; ok {
		props.MaxUsers = event.Int("maxusers")
	}
	for key, target := range map[string]*int{
		"voicebps":     &props.VoiceBps,
		"videobps":     &props.VideoBps,
		"desktopbps":   &props.DesktopBps,
		"filebps":      &props.FileBps,
		"mediafilebps": &props.MediaFileBps,
	} {
		if _, ok := event.Fields[key]; ok {
			*target = event.Int(key)
		}
	}

	client.directory.SetServer(props)

	updated := NewEvent("server", "updated")
	client.EmitNonBlocking(updated)
}

func (client *Client) handleAccepted(event *Event) {
	policy := FloodPolicy{
		Commands:  event.Int("floodcommands"),
		Timeframe: time.Duration(event.Int("floodseconds")) * time.Second,
	}

	userType := UserTypeDefault
	if event.Int("usertype") == 1 {
		userType = UserTypeAdministrator
	}

	rights := RightSet(event.Int("rights"))
	if userType == UserTypeAdministrator {
		rights = AllRights
	}

	client.mutex.Lock()
	client.sessionID = event.Int("sessionid")
	client.nickname = client.config.Nickname
	client.account = Account{
		Username:      event.Field("username"),
		Type:          userType,
		Rights:        rights,
		MaxBitrateBps: event.Int("maxbitrate"),
		FloodPolicy:   policy,
	}
	client.mutex.Unlock()

	client.guard.setPolicy(policy)
	client.sendHello()
}

func (client *Client) handleChannelUpsert(event *Event) {
	channel := directory.Channel{
		Path:                event.Field("channel"),
		Topic:               event.Field("topic"),
		Password:            event.Field("password"),
		OperatorPassword:    event.Field("oppassword"),
		MaxUsers:            event.Int("maxusers"),
		DiskQuota:           int64(event.Int("diskquota")),
		Permanent:           event.Bool("permanent"),
		Classroom:           event.Bool("classroom"),
		OperatorControlled:  event.Bool("opcontrolled"),
		OperatorReceiveOnly: event.Bool("oprecvonly"),
		NoVoiceActivation:   event.Bool("novoiceact"),
		NoRecording:         event.Bool("norecord"),
		FixedVolume:         event.Bool("fixedvolume"),
		Codec: directory.Codec{
			Type:         event.Field("codec"),
			SampleRate:   event.Int("samplerate"),
			Channels:     event.Int("channels"),
			BitrateBps:   event.Int("bitrate"),
			TxIntervalMS: event.Int("txinterval"),
			DTX:          event.Bool("dtx"),
		},
	}

	if channel.Path == "" {
		return
	}

	client.directory.UpsertChannel(channel)

	verb := "added"
	if event.Verb() == "updatechannel" {
		verb = "updated"
	}
	change := NewEvent("channel", verb)
	change.Fields["channel"] = channel.Path
	client.EmitNonBlocking(change)
}

func (client *Client) handleLoggedIn(event *Event) {
	user := directory.User{
		SessionID:     event.Int("sessionid"),
		Nickname:      event.Field("nickname"),
		Username:      event.Field("username"),
		Status:        directory.StatusMode(event.Int("statusmode")),
		StatusMessage: event.Field("statusmsg"),
		IP:            event.Field("ip"),
		ClientVersion: event.Field("clientname"),

		LocalSubscriptions:  uint32(AllSubscriptions),
		RemoteSubscriptions: uint32(AllSubscriptions),
	}

	if user.SessionID == 0 {
		return
	}

	client.directory.UpsertUser(user)

	loggedIn := NewEvent("user", "loggedin")
	loggedIn.Fields["sessionid"] = itoa(user.SessionID)
	loggedIn.Fields["nickname"] = user.Nickname
	client.EmitNonBlocking(loggedIn)
}

func (client *Client) handleUserJoined(event *Event) {
	sessionID := event.Int("sessionid")
	path := event.Field("channel")

	if !client.directory.SetUserChannel(sessionID, path) {
		// Join for a session we have not seen; the snapshot carries both
		// loggedin and adduser, but order is the server's business.
		client.directory.UpsertUser(directory.User{
			SessionID:           sessionID,
			Nickname:            event.Field("nickname"),
			ChannelPath:         path,
			LocalSubscriptions:  uint32(AllSubscriptions),
			RemoteSubscriptions: uint32(AllSubscriptions),
		})
	}

	joined := NewEvent("user", "joined")
	joined.Fields["sessionid"] = itoa(sessionID)
	joined.Fields["channel"] = path
	client.EmitNonBlocking(joined)
}

func (client *Client) handleUserLeft(event *Event) {
	sessionID := event.Int("sessionid")
	path := event.Field("channel")

	client.directory.SetUserChannel(sessionID, "")

	left := NewEvent("user", "left")
	left.Fields["sessionid"] = itoa(sessionID)
	left.Fields["channel"] = path
	client.EmitNonBlocking(left)
}

func (client *Client) handleUserUpdated(event *Event) {
	sessionID := event.Int("sessionid")

	user, ok := client.directory.User(sessionID)
	if !ok {
		return
	}

	if v := event.Field("nickname"); v != "" {
		user.Nickname = v
	}
	if _, ok := event.Fields["statusmode"]; ok {
		user.Status = directory.StatusMode(event.Int("statusmode"))
	}
	if v, ok := event.Fields["statusmsg"]; ok {
		user.StatusMessage = v
	}
	if _, ok := event.Fields["sublocal"]; ok {
		user.LocalSubscriptions = uint32(event.Int("sublocal"))
	}
	if _, ok := event.Fields["subremote"]; ok {
		user.RemoteSubscriptions = uint32(event.Int("subremote"))
	}

	client.directory.UpsertUser(user)

	if sessionID == client.SessionID() {
		if v := event.Field("nickname"); v != "" {
			client.mutex.Lock()
			client.nickname = v
			client.mutex.Unlock()
		}
	}

	updated := NewEvent("user", "updated")
	updated.Fields["sessionid"] = itoa(sessionID)
	client.EmitNonBlocking(updated)
}

// handleMessage applies the subscription boundary and republishes the text
// message as a typed event.
func (client *Client) handleMessage(event *Event) {
	srcID := event.Int("srcid")

	var sub Subscription
	switch event.Field("type") {
	case "user":
		sub = SubUserMessages
	case "channel":
		sub = SubChannelMessages
	case "broadcast":
		sub = SubBroadcastMessages
	default:
		return
	}

	if srcID != client.SessionID() && !client.subscribed(srcID, sub) {
		return
	}

	message := NewEvent("user", "message")
	message.Fields["type"] = event.Field("type")
	message.Fields["sessionid"] = itoa(srcID)
	message.Fields["channel"] = event.Field("channel")
	message.Fields["content"] = event.Field("content")
	client.EmitNonBlocking(message)
}

func (client *Client) handleStreamAdd(event *Event) {
	category, ok := streamCategoryByName(event.Field("category"))
	if !ok {
		return
	}

	stream := &MediaStream{
		Category:  category,
		Direction: DirectionIncoming,
		OwnerID:   event.Int("sessionid"),
		StreamID:  uint32(event.Int("streamid")),
		Codec: directory.Codec{
			Type:         event.Field("codec"),
			SampleRate:   event.Int("samplerate"),
			Channels:     event.Int("channels"),
			BitrateBps:   event.Int("bitrate"),
			TxIntervalMS: event.Int("txinterval"),
			DTX:          event.Bool("dtx"),
		},
		state: StreamActive,
	}

	// Replace a stale stream with the same key rather than erroring; the
	// server is authoritative about its own streams.
	if existing := client.streams.get(streamKey{stream.OwnerID, category, DirectionIncoming}); existing != nil {
		client.closeStream(existing, false)
	}

	client.streams.insert(stream)
	client.emitStreamState(stream)
}

func (client *Client) handleStreamRemove(event *Event) {
	client.streams.mutex.RLock()
	stream := client.streams.byID[uint32(event.Int("streamid"))]
	client.streams.mutex.RUnlock()

	if stream != nil {
		client.closeStream(stream, false)
	}
}

func (client *Client) accountSentPacket(streamID uint32, length int) {
	client.streams.mutex.Lock()
	if stream := client.streams.byID[streamID]; stream != nil {
		stream.packetsSent++
		stream.bytesSent += uint64(length)
	}
	client.streams.mutex.Unlock()
}

// completePending resolves a command round-trip. With errEvent nil the
// command succeeded and the ok event's fields are available.
func (client *Client) completePending(event *Event, cmdErr *Error) {
	id := event.Int("id")

	client.mutex.Lock()
	pending := client.pending[id]
	delete(client.pending, id)
	client.mutex.Unlock()

	if pending == nil {
		client.log.Debug("response for unknown command", zap.Int("id", id))
		return
	}

	if cmdErr != nil {
		client.failPending(pending, cmdErr)
	} else {
		client.succeedPending(pending, event)
	}

	verb := "ok"
	if cmdErr != nil {
		verb = "error"
	}
	result := NewEvent("cmd", verb)
	result.Fields["id"] = itoa(id)
	result.Fields["verb"] = pending.verb
	if cmdErr != nil {
		result.Fields["kind"] = string(cmdErr.Kind)
		result.Fields["code"] = itoa(cmdErr.Code)
		result.Fields["message"] = cmdErr.Message
	}
	client.EmitNonBlocking(result)
}

func (client *Client) succeedPending(pending *pendingCommand, event *Event) {
	switch pending.verb {
	case "login":
		client.setState(StateIdle)
		client.EmitNonBlocking(NewEvent("client", "ready"))

		client.mutex.Lock()
		rejoin := client.pendingRejoin
		client.pendingRejoin = false
		channel := client.rejoinChannel
		password := client.rejoinPassword
		client.mutex.Unlock()

		// Coming back from a connection loss: re-enter the channel the
		// session was in, without any collaborator asking.
		if rejoin && channel != "" {
			if err := client.joinChannel(channel, password, true); err != nil {
				client.EmitNonBlocking(client.rejoinFailedEvent(channel, err))
			}
		}

	case "join":
		client.mutex.Lock()
		client.channelPath = pending.channel
		client.rejoinChannel = pending.channel
		client.rejoinPassword = pending.password
		client.mutex.Unlock()

		client.setState(StateInChannel)

		joined := NewEvent("channel", "joined")
		joined.Fields["channel"] = pending.channel
		client.EmitNonBlocking(joined)

	case "leave":
		client.mutex.Lock()
		left := client.channelPath
		client.channelPath = ""
		client.rejoinChannel = ""
		client.mutex.Unlock()

		client.closeChannelStreams()
		client.setState(StateIdle)

		leftEvent := NewEvent("channel", "left")
		leftEvent.Fields["channel"] = left
		client.EmitNonBlocking(leftEvent)

	case "subscribe", "unsubscribe":
		client.applySubscriptionChange(pending.subSession, pending.subMask, pending.verb == "subscribe", pending.subDirection)

	case "changenick":
		client.mutex.Lock()
		client.nickname = pending.nickname
		client.mutex.Unlock()

	case "streamstart":
		if pending.stream != nil {
			client.streamAcknowledged(pending.stream, uint32(event.Int("streamid")))
		}

	case "filesend", "filerecv":
		if pending.transfer != nil {
			port := event.Int("port")
			if port == 0 {
				client.mutex.RLock()
				port = client.tcpPort
				client.mutex.RUnlock()
			}
			client.transferAccepted(pending.transfer, event.Int("transferid"), port, int64(event.Int("size")))
		}
	}
}

func (client *Client) failPending(pending *pendingCommand, cmdErr *Error) {
	client.EmitNonBlocking(NewErrorEvent(cmdErr))

	switch pending.verb {
	case "login":
		// Not retried automatically; retry policy is the caller's, and the
		// supervisor only handles transport loss after a session stood.
		client.mutex.Lock()
		client.quit = true
		conn := client.conn
		client.mutex.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

	case "join":
		// A failed automatic rejoin leaves the session idle; collaborators
		// get a dedicated event instead of a silent wrong channel.
		if pending.rejoin {
			client.EmitNonBlocking(client.rejoinFailedEvent(pending.channel, cmdErr))
		}

	case "streamstart":
		if pending.stream != nil {
			client.closeStream(pending.stream, false)
		}

	case "filesend", "filerecv":
		if pending.transfer != nil {
			pending.transfer.setState(TransferFailed)
			client.emitTransferProgress(pending.transfer)
		}
	}
}

func (client *Client) handleServerError(event *Event) {
	cmdErr := serverError(event.Int("number"), event.Field("message"))

	if _, ok := event.Fields["id"]; ok {
		client.completePending(event, cmdErr)
		return
	}

	// An error without an id is fatal to no command; surface it as-is.
	client.EmitNonBlocking(NewErrorEvent(cmdErr))
}

// handleDisconnected finalizes any disconnect, expected or not, and hands
// over to the reconnection supervisor when the loss was unexpected.
func (client *Client) handleDisconnected() {
	client.mutex.Lock()
	wasQuit := client.quit
	pending := client.pending
	client.pending = make(map[int]*pendingCommand, 8)
	client.cmdCounter = 0
	client.sessionID = 0
	client.channelPath = ""
	if wasQuit {
		// An explicit teardown also forgets any rejoin the supervisor had
		// queued, so a later manual Connect starts clean.
		client.pendingRejoin = false
	}
	client.mutex.Unlock()

	for id, p := range pending {
		client.log.Debug("abandoning in-flight command", zap.Int("id", id), zap.String("verb", p.verb))
	}

	client.forceCloseStreams()
	client.abortTransfers()
	client.directory.Reset()
	client.guard.setPolicy(FloodPolicy{})

	client.setState(StateDisconnected)

	if wasQuit {
		return
	}

	lost := wrapError(KindTransport, nil, "connection lost")
	client.EmitNonBlocking(NewErrorEvent(lost))

	if client.config.ReconnectOnDrop {
		client.beginReconnect()
	} else {
		client.EmitNonBlocking(NewEvent("client", "lost"))
	}
}

func (client *Client) rejoinFailedEvent(channel string, err error) Event {
	event := NewEvent("error", "rejoin")
	event.Fields["channel"] = channel
	if err != nil {
		event.Fields["message"] = err.Error()
	}
	return event
}

func banFromEvent(event *Event) directory.BanEntry {
	entry := directory.BanEntry{
		Scope:    event.Field("channel"),
		IP:       event.Field("ip"),
		Username: event.Field("username"),
		Time:     event.Time,
	}
	if when := event.Int("time"); when > 0 {
		entry.Time = time.Unix(int64(when), 0)
	}

	return entry
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}

func boolString(b bool) string {
	return strconv.FormatBool(b)
}
