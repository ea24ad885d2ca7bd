package vox

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// transferChunkSize is how much file data goes into one write/read on the
// transfer connection.
const transferChunkSize = 64 * 1024

// A TransferState is the lifecycle position of a file transfer.
type TransferState int

// The transfer states.
const (
	TransferPending TransferState = iota
	TransferActive
	TransferDone
	TransferFailed
)

var transferStateNames = [...]string{"pending", "active", "done", "failed"}

func (state TransferState) String() string {
	if int(state) < len(transferStateNames) {
		return transferStateNames[state]
	}
	return "unknown"
}

// A transfer is one reliable, chunked file movement. Unlike media streams
// it is never loss-tolerant: a failed chunk aborts the whole transfer.
type transfer struct {
	id        string
	serverID  int
	direction Direction
	channel   string
	filename  string
	localPath string

	mutex      sync.Mutex
	state      TransferState
	total      int64
	done       int64
	bps        int64
	windowAt   time.Time
	windowSize int64

	cancel chan struct{}
	once   sync.Once
}

// TransferInfo is the read-only progress view of a transfer.
type TransferInfo struct {
	ID        string        `json:"id"`
	Direction Direction     `json:"direction"`
	Channel   string        `json:"channel,omitempty"`
	Filename  string        `json:"filename"`
	State     TransferState `json:"state"`
	Total     int64         `json:"total"`
	Done      int64         `json:"done"`
	Bps       int64         `json:"bps"`
}

func (t *transfer) info() TransferInfo {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return TransferInfo{
		ID:        t.id,
		Direction: t.direction,
		Channel:   t.channel,
		Filename:  t.filename,
		State:     t.state,
		Total:     t.total,
		Done:      t.done,
		Bps:       t.bps,
	}
}

// account adds transferred bytes and refreshes the one-second throughput
// sample.
func (t *transfer) account(n int) {
	now := time.Now()

	t.mutex.Lock()
	t.done += int64(n)
	t.windowSize += int64(n)
	if t.windowAt.IsZero() {
		t.windowAt = now
	} else if elapsed := now.Sub(t.windowAt); elapsed >= time.Second {
		t.bps = int64(float64(t.windowSize) / elapsed.Seconds())
		t.windowSize = 0
		t.windowAt = now
	}
	t.mutex.Unlock()
}

func (t *transfer) setState(state TransferState) {
	t.mutex.Lock()
	t.state = state
	t.mutex.Unlock()
}

func (t *transfer) abort() {
	t.once.Do(func() { close(t.cancel) })
}

// Transfers lists the progress of every known transfer, newest last.
func (client *Client) Transfers() []TransferInfo {
	client.transferMutex.RLock()
	defer client.transferMutex.RUnlock()

	result := make([]TransferInfo, 0, len(client.transfers))
	for _, t := range client.transferOrder {
		result = append(result, t.info())
	}
	return result
}

// CancelTransfer aborts a transfer by id. Idempotent.
func (client *Client) CancelTransfer(id string) {
	client.transferMutex.RLock()
	t := client.transfers[id]
	client.transferMutex.RUnlock()

	if t != nil {
		t.abort()
	}
}

// SendFile offers a local file to a channel. The server answers with a
// transfer id and port; the upload then runs on its own connection and
// reports progress through transfer.progress events.
func (client *Client) SendFile(channelPath, localPath string) error {
	if client.State() != StateIdle && client.State() != StateInChannel {
		return newError(KindChannel, "not logged in")
	}
	if !client.Account().Rights.Has(RightUpload) {
		return newError(KindRights, "account may not upload files")
	}

	stat, err := os.Stat(localPath)
	if err != nil {
		return wrapError(KindTransfer, err, "stat upload file")
	}

	t := client.newTransfer(DirectionOutgoing, channelPath, filepath.Base(localPath), localPath)
	t.total = stat.Size()

	cmd := NewCommand("filesend").
		Set("channel", channelPath).
		Set("filename", t.filename).
		SetInt("size", int(stat.Size()))

	if _, err := client.sendCommand(cmd, &pendingCommand{transfer: t}); err != nil {
		client.dropTransfer(t)
		return err
	}

	return nil
}

// RecvFile downloads a file from a channel into localPath.
func (client *Client) RecvFile(channelPath, filename, localPath string) error {
	if client.State() != StateIdle && client.State() != StateInChannel {
		return newError(KindChannel, "not logged in")
	}
	if !client.Account().Rights.Has(RightDownload) {
		return newError(KindRights, "account may not download files")
	}

	t := client.newTransfer(DirectionIncoming, channelPath, filename, localPath)

	cmd := NewCommand("filerecv").
		Set("channel", channelPath).
		Set("filename", filename)

	if _, err := client.sendCommand(cmd, &pendingCommand{transfer: t}); err != nil {
		client.dropTransfer(t)
		return err
	}

	return nil
}

func (client *Client) newTransfer(direction Direction, channel, filename, localPath string) *transfer {
	t := &transfer{
		id:        uuid.Must(uuid.NewV4()).String(),
		direction: direction,
		channel:   channel,
		filename:  filename,
		localPath: localPath,
		cancel:    make(chan struct{}),
	}

	client.transferMutex.Lock()
	client.transfers[t.id] = t
	client.transferOrder = append(client.transferOrder, t)
	client.transferMutex.Unlock()

	return t
}

func (client *Client) dropTransfer(t *transfer) {
	client.transferMutex.Lock()
	delete(client.transfers, t.id)
	for i, other := range client.transferOrder {
		if other == t {
			client.transferOrder = append(client.transferOrder[:i], client.transferOrder[i+1:]...)
			break
		}
	}
	client.transferMutex.Unlock()
}

// abortTransfers cancels every unfinished transfer; reconnection never
// resumes them.
func (client *Client) abortTransfers() {
	client.transferMutex.RLock()
	active := append([]*transfer(nil), client.transferOrder...)
	client.transferMutex.RUnlock()

	for _, t := range active {
		t.abort()
	}
}

// transferAccepted is run on the event loop when the server acks a
// filesend/filerecv command with a transfer id and data port.
func (client *Client) transferAccepted(t *transfer, serverID, port int, size int64) {
	t.mutex.Lock()
	t.serverID = serverID
	if t.direction == DirectionIncoming {
		t.total = size
	}
	t.state = TransferActive
	t.mutex.Unlock()

	client.emitTransferProgress(t)

	go client.runTransfer(t, port)
}

// runTransfer moves the file bytes over a dedicated connection. It runs off
// the event loop; only events cross back.
func (client *Client) runTransfer(t *transfer, port int) {
	fail := func(cause error, message string) {
		t.setState(TransferFailed)
		client.EmitNonBlocking(NewErrorEvent(wrapError(KindTransfer, cause, message)))
		client.emitTransferProgress(t)
	}

	client.mutex.RLock()
	host := client.host
	client.mutex.RUnlock()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, itoa(port)), client.config.ConnectTimeout)
	if err != nil {
		fail(err, "transfer connect")
		return
	}
	defer conn.Close()

	handshake := NewCommand("transfer").SetInt("transferid", t.serverID)
	if _, err := conn.Write([]byte(handshake.String() + "\r\n")); err != nil {
		fail(err, "transfer handshake")
		return
	}

	if t.direction == DirectionOutgoing {
		err = client.uploadChunks(t, conn)
	} else {
		err = client.downloadChunks(t, conn)
	}

	if err != nil {
		fail(err, "transfer chunk")
		return
	}

	t.setState(TransferDone)
	client.emitTransferProgress(t)
}

func (client *Client) uploadChunks(t *transfer, conn net.Conn) error {
	file, err := os.Open(t.localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	buffer := make([]byte, transferChunkSize)
	for {
		select {
		case <-t.cancel:
			return newError(KindTransfer, "transfer canceled")
		case <-client.ctx.Done():
			return newError(KindTransfer, "client destroyed")
		default:
		}

		n, readErr := file.Read(buffer)
		if n > 0 {
			if _, err := conn.Write(buffer[:n]); err != nil {
				return err
			}
			t.account(n)
			client.emitTransferProgress(t)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (client *Client) downloadChunks(t *transfer, conn net.Conn) error {
	file, err := os.Create(t.localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	buffer := make([]byte, transferChunkSize)
	remaining := t.total

	for remaining > 0 {
		select {
		case <-t.cancel:
			return newError(KindTransfer, "transfer canceled")
		case <-client.ctx.Done():
			return newError(KindTransfer, "client destroyed")
		default:
		}

		chunk := buffer
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			if _, werr := file.Write(chunk[:n]); werr != nil {
				return werr
			}
			t.account(n)
			remaining -= int64(n)
			client.emitTransferProgress(t)
		}
		if err != nil {
			if err == io.EOF && remaining == 0 {
				break
			}
			return err
		}
	}

	return nil
}

func (client *Client) emitTransferProgress(t *transfer) {
	info := t.info()

	event := NewEvent("transfer", "progress")
	if info.State == TransferDone || info.State == TransferFailed {
		event = NewEvent("transfer", "done")
	}
	event.Fields["id"] = info.ID
	event.Fields["filename"] = info.Filename
	event.Fields["state"] = info.State.String()
	event.Fields["direction"] = info.Direction.String()
	event.Fields["total"] = itoa64(info.Total)
	event.Fields["done"] = itoa64(info.Done)
	event.Fields["bps"] = itoa64(info.Bps)
	client.EmitNonBlocking(event)
}
