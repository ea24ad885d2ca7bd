package vox

import (
	"sync"
)

// A Handler is a function that is part of the client's event loop. It will
// receive all events, after the client's own bookkeeping has run.
type Handler func(event *Event, client *Client)

var globalHandlerMutex sync.RWMutex
var globalHandlers []Handler

// AddHandler registers a handler that receives events from every client in
// the process. Per-client handlers are registered with Client.AddHandler.
func AddHandler(handler Handler) {
	globalHandlerMutex.Lock()
	globalHandlers = append(globalHandlers, handler)
	globalHandlerMutex.Unlock()
}

// emit runs the global handlers, then the client's own, stopping if a
// handler kills the event.
func emit(event *Event, client *Client) {
	globalHandlerMutex.RLock()
	handlers := globalHandlers
	globalHandlerMutex.RUnlock()

	for _, handler := range handlers {
		if event.killed {
			return
		}
		handler(event, client)
	}

	client.handlerMutex.RLock()
	clientHandlers := client.handlers
	client.handlerMutex.RUnlock()

	for _, handler := range clientHandlers {
		if event.killed {
			return
		}
		handler(event, client)
	}
}
