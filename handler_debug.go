package vox

import (
	"go.uber.org/zap"
)

// EnableDebug registers a handler that logs every event passing through the
// client's loop to the logger. Meant for development and the repl; noisy on
// a busy channel.
func EnableDebug(client *Client, logger *zap.Logger) {
	client.AddHandler(func(event *Event, _ *Client) {
		fields := make([]zap.Field, 0, len(event.Fields)+1)
		fields = append(fields, zap.Time("at", event.Time))
		for key, value := range event.Fields {
			fields = append(fields, zap.String(key, value))
		}

		logger.Debug(event.Name(), fields...)
	})
}
