package shellcache

import (
	"context"
	"net/http"
)

type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventError    EventKind = "error"
)

// Event is delivered to the handler registered for its kind.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct{}

func (InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct{}

func (ActivateEvent) Kind() EventKind { return EventActivate }

// FetchEvent is an intercepted request.
// A handler that does not respond leaves the request to the network.
type FetchEvent struct {
	// Request with an absolute URL.
	Request *http.Request
	Class   Class

	response *http.Response
}

func (*FetchEvent) Kind() EventKind { return EventFetch }

func (e *FetchEvent) RespondWith(res *http.Response) {
	e.response = res
}

func (e *FetchEvent) Response() *http.Response {
	return e.response
}

// MessageEvent carries a control message.
// Replies are sent on Port, which may be nil. A send on an unbuffered
// Port blocks the handler until the reply is received.
type MessageEvent struct {
	Data Message
	Port chan<- Reply
}

func (*MessageEvent) Kind() EventKind { return EventMessage }

// reply blocks until the reply is received or ctx is done.
func (e *MessageEvent) reply(ctx context.Context, r Reply) {
	if e.Port == nil {
		return
	}
	select {
	case e.Port <- r:
	case <-ctx.Done():
	}
}

// ErrorEvent reports an error that no caller is waiting for,
// e.g. a failed background write or a recovered panic.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) Kind() EventKind { return EventError }

type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher routes events to handlers by kind.
// Handlers are registered before the first dispatch and not changed afterwards.
type Dispatcher struct {
	handlers map[EventKind]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind]HandlerFunc)}
}

// On registers the handler for an event kind, replacing any previous one.
func (d *Dispatcher) On(kind EventKind, h HandlerFunc) {
	d.handlers[kind] = h
}

// Dispatch runs the handler for the event and waits for it to finish.
// Events without a handler are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h, ok := d.handlers[ev.Kind()]
	if !ok {
		return nil
	}
	return h(ctx, ev)
}
