package vox

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// An Event is anything that passes through the client's event loop: parsed
// server lines (kind "server"), command outcomes (kind "cmd"), directory
// changes fanned out to collaborators (kinds "channel", "user", "ban"),
// stream/transfer notifications, and client lifecycle markers (kind
// "client"). It is not thread safe; it is processed in sequence and should
// not be touched off the loop goroutine.
type Event struct {
	kind string
	verb string
	name string

	Time   time.Time
	Fields map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	killed bool
}

// NewEvent makes a new event with Kind, Verb and Time set and Fields
// initialized.
func NewEvent(kind, verb string) Event {
	return Event{
		kind:   kind,
		verb:   verb,
		name:   kind + "." + verb,
		Time:   time.Now(),
		Fields: make(map[string]string, 8),
	}
}

// Kind gets the event's kind.
func (event *Event) Kind() string {
	return event.kind
}

// Verb gets the event's verb.
func (event *Event) Verb() string {
	return event.verb
}

// Name gets the event name, which is Kind and Verb separated by a dot.
func (event *Event) Name() string {
	return event.name
}

// IsEither returns true if the event has the kind and one of the verbs.
func (event *Event) IsEither(kind string, verbs ...string) bool {
	if event.kind != kind {
		return false
	}

	for i := range verbs {
		if event.verb == verbs[i] {
			return true
		}
	}

	return false
}

// Field gets a string field, or "" if unset.
func (event *Event) Field(key string) string {
	return event.Fields[key]
}

// Int gets an integer field, or 0 if unset or unparsable.
func (event *Event) Int(key string) int {
	n, _ := strconv.Atoi(event.Fields[key])
	return n
}

// Bool gets a boolean field. Accepts true/false and 1/0.
func (event *Event) Bool(key string) bool {
	v := event.Fields[key]
	return v == "true" || v == "1"
}

// List gets an integer-list field like "[1,2,3]".
func (event *Event) List(key string) []int {
	v := strings.Trim(event.Fields[key], "[]")
	if v == "" {
		return nil
	}

	tokens := strings.Split(v, ",")
	result := make([]int, 0, len(tokens))
	for _, token := range tokens {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			continue
		}
		result = append(result, n)
	}

	return result
}

// Context gets the event's context if it's part of the loop, or
// context.Background otherwise. Client.Emit sets this on its copy and
// returns it.
func (event *Event) Context() context.Context {
	if event.ctx == nil {
		return context.Background()
	}

	return event.ctx
}

// Kill stops propagation of the event to later handlers.
func (event *Event) Kill() {
	event.killed = true
}

// Killed returns true if Kill has been called.
func (event *Event) Killed() bool {
	return event.killed
}

// MarshalJSON makes a JSON object from the event.
func (event *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"kind":   event.kind,
		"verb":   event.verb,
		"fields": event.Fields,
		"time":   event.Time,
	})
}

// NewErrorEvent makes an event of kind `error` with the taxonomy kind as the
// verb. It's trivial, but it keeps failure events uniform.
func NewErrorEvent(err *Error) Event {
	event := NewEvent("error", string(err.Kind))
	event.Fields["message"] = err.Message
	if err.Code != 0 {
		event.Fields["code"] = strconv.Itoa(err.Code)
	}

	return event
}
