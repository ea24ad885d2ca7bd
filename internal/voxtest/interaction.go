// Package voxtest provides a scripted fake server for exercising a client
// against an exact control-connection dialogue.
package voxtest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// A Line is one step of the script, processed in field order: expect Client
// from the client, run Callback, send Server to the client. Disconnect
// closes the connection afterwards; the next line that needs a connection
// accepts a new one, which is how reconnection dialogues are scripted.
type Line struct {
	Client     string
	Callback   func() error
	Server     string
	Disconnect bool
}

// A Failure describes where and how a script diverged.
type Failure struct {
	Index    int
	Expected string
	Actual   string
	Err      error
}

func (failure *Failure) String() string {
	if failure == nil {
		return "no failure"
	}
	if failure.Err != nil {
		return fmt.Sprintf("line %d: %s", failure.Index, failure.Err)
	}
	return fmt.Sprintf("line %d: expected %q, got %q", failure.Index, failure.Expected, failure.Actual)
}

// An Interaction runs the script against whatever connects to its listener.
// Zero value plus Lines is usable; call Listen, point a client at Host/Port,
// then Wait for the verdict.
type Interaction struct {
	Timeout time.Duration
	Lines   []Line

	listener net.Listener
	done     chan struct{}

	mutex   sync.Mutex
	conn    net.Conn
	failure *Failure
}

// Listen opens the script's listener on a random loopback port and starts
// serving the script.
func (interaction *Interaction) Listen() error {
	if interaction.Timeout <= 0 {
		interaction.Timeout = 2 * time.Second
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	interaction.listener = listener
	interaction.done = make(chan struct{})

	go interaction.run()

	return nil
}

// Host returns the listener host.
func (interaction *Interaction) Host() string {
	return "127.0.0.1"
}

// Port returns the listener port.
func (interaction *Interaction) Port() int {
	return interaction.listener.Addr().(*net.TCPAddr).Port
}

// Wait blocks until the script has run out, or twice the timeout passed.
// It returns the failure, if any.
func (interaction *Interaction) Wait() *Failure {
	select {
	case <-interaction.done:
	case <-time.After(2 * interaction.Timeout):
		interaction.fail(&Failure{Index: -1, Err: fmt.Errorf("script did not finish")})
	}

	interaction.mutex.Lock()
	defer interaction.mutex.Unlock()

	return interaction.failure
}

// Close tears the listener and any remaining connection down; safe after
// Wait.
func (interaction *Interaction) Close() {
	_ = interaction.listener.Close()

	interaction.mutex.Lock()
	if interaction.conn != nil {
		_ = interaction.conn.Close()
	}
	interaction.mutex.Unlock()
}

func (interaction *Interaction) fail(failure *Failure) {
	interaction.mutex.Lock()
	if interaction.failure == nil {
		interaction.failure = failure
	}
	interaction.mutex.Unlock()
}

func (interaction *Interaction) run() {
	defer close(interaction.done)

	var conn net.Conn
	var reader *bufio.Reader

	// The connection must survive the end of the script so tests can assert
	// live client state after Wait; Close tears it down.
	defer func() {
		interaction.mutex.Lock()
		interaction.conn = conn
		interaction.mutex.Unlock()
	}()

	accept := func() bool {
		_ = interaction.listener.(*net.TCPListener).SetDeadline(time.Now().Add(interaction.Timeout))

		next, err := interaction.listener.Accept()
		if err != nil {
			interaction.fail(&Failure{Index: -1, Err: fmt.Errorf("accept: %w", err)})
			return false
		}

		conn = next
		reader = bufio.NewReader(conn)
		return true
	}

	for index, line := range interaction.Lines {
		if conn == nil && (line.Client != "" || line.Server != "") {
			if !accept() {
				return
			}
		}

		if line.Client != "" {
			_ = conn.SetReadDeadline(time.Now().Add(interaction.Timeout))

			actual, err := reader.ReadString('\n')
			if err != nil {
				interaction.fail(&Failure{Index: index, Expected: line.Client, Err: err})
				return
			}

			actual = strings.TrimRight(actual, "\r\n")
			if actual != line.Client {
				interaction.fail(&Failure{Index: index, Expected: line.Client, Actual: actual})
				return
			}
		}

		if line.Callback != nil {
			if err := line.Callback(); err != nil {
				interaction.fail(&Failure{Index: index, Err: err})
				return
			}
		}

		if line.Server != "" {
			_ = conn.SetWriteDeadline(time.Now().Add(interaction.Timeout))

			if _, err := conn.Write([]byte(line.Server + "\r\n")); err != nil {
				interaction.fail(&Failure{Index: index, Err: err})
				return
			}
		}

		if line.Disconnect {
			_ = conn.Close()
			conn = nil
			reader = nil
		}
	}
}
