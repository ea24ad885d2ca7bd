package vox

import (
	"time"

	"go.uber.org/zap"
)

// beginReconnect starts the reconnection supervisor after an unexpected
// connection loss. It is run on the event loop; the supervisor itself is a
// goroutine that only ever calls Connect.
func (client *Client) beginReconnect() {
	client.mutex.Lock()
	if client.reconnecting {
		client.mutex.Unlock()
		return
	}
	client.reconnecting = true
	client.pendingRejoin = true
	client.mutex.Unlock()

	client.EmitNonBlocking(NewEvent("client", "reconnecting"))

	go client.reconnectLoop()
}

// reconnectLoop retries the last connect target with doubling backoff until
// a control connection stands again, or the client quits. Once the dial
// succeeds the normal login flow takes over; re-joining the cached channel
// happens when the login completes.
func (client *Client) reconnectLoop() {
	backoff := client.config.ReconnectBackoff

	for attempt := 1; ; attempt++ {
		select {
		case <-client.ctx.Done():
			client.endReconnect()
			return
		case <-time.After(backoff):
		}

		client.mutex.RLock()
		host := client.host
		tcpPort := client.tcpPort
		udpPort := client.udpPort
		quit := client.quit
		client.mutex.RUnlock()

		if quit {
			client.endReconnect()
			return
		}

		client.log.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.String("host", host),
			zap.Duration("backoff", backoff))

		err := client.Connect(host, tcpPort, udpPort)
		if err == nil {
			client.mutex.Lock()
			client.reconnecting = false
			client.mutex.Unlock()
			return
		}

		client.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff *= 2
		if backoff > client.config.ReconnectBackoffCap {
			backoff = client.config.ReconnectBackoffCap
		}
	}
}

func (client *Client) endReconnect() {
	client.mutex.Lock()
	client.reconnecting = false
	client.pendingRejoin = false
	client.mutex.Unlock()
}
