package shellcache

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcherRoutesByKind(t *testing.T) {
	d := NewDispatcher()
	var got []EventKind
	record := func(ctx context.Context, ev Event) error {
		got = append(got, ev.Kind())
		return nil
	}
	d.On(EventInstall, record)
	d.On(EventActivate, record)
	d.On(EventFetch, record)
	d.On(EventMessage, record)
	d.On(EventError, record)

	for _, ev := range []Event{InstallEvent{}, ActivateEvent{}, &FetchEvent{}, &MessageEvent{}, ErrorEvent{}} {
		if err := d.Dispatch(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	want := []EventKind{EventInstall, EventActivate, EventFetch, EventMessage, EventError}
	if len(got) != len(want) {
		t.Fatalf("Dispatched %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Dispatched %v", got)
		}
	}
}

func TestDispatcherReturnsHandlerError(t *testing.T) {
	d := NewDispatcher()
	errInstall := errors.New("install failed")
	d.On(EventInstall, func(ctx context.Context, ev Event) error {
		return errInstall
	})
	if err := d.Dispatch(context.Background(), InstallEvent{}); !errors.Is(err, errInstall) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDispatcherIgnoresUnhandledEvents(t *testing.T) {
	ev := &FetchEvent{}
	if err := NewDispatcher().Dispatch(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ev.Response() != nil {
		t.Fatal("Unhandled fetch event has a response")
	}
}

func TestMessageEventReplyWithoutPort(t *testing.T) {
	ev := &MessageEvent{Data: Message{Action: ActionSkipWaiting}}
	// must not block or panic
	ev.reply(context.Background(), Reply{Success: true})
}

func TestMessageEventReplyOnUnbufferedPort(t *testing.T) {
	port := make(chan Reply)
	ev := &MessageEvent{Data: Message{Action: ActionSkipWaiting}, Port: port}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ev.reply(context.Background(), Reply{Success: true})
	}()

	if reply := <-port; !reply.Success {
		t.Fatalf("Reply is %+v", reply)
	}
	<-done
}

func TestMessageEventReplyGivesUpOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev := &MessageEvent{Data: Message{Action: ActionSkipWaiting}, Port: make(chan Reply)}
	// nobody receives, must return once ctx is done
	ev.reply(ctx, Reply{Success: true})
}
