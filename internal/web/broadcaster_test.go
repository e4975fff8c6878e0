package web

import (
	"encoding/json"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("info", "hello")

	evt := recv(t, ch)
	if evt.Msg != "hello" || evt.Level != "info" {
		t.Errorf("event = %+v, want info/hello", evt)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	if b.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", b.Clients())
	}
	b.BroadcastMsg("multi")

	for i, ch := range []<-chan string{ch1, ch2} {
		if evt := recv(t, ch); evt.Msg != "multi" {
			t.Errorf("subscriber %d: msg = %q, want \"multi\"", i, evt.Msg)
		}
	}
}

func TestBroadcaster_ReplaysHistory(t *testing.T) {
	b := NewStatusBroadcaster()
	for i := 0; i < historySize+5; i++ {
		b.Broadcast("info", "old")
	}
	b.Broadcast("info", "latest")

	ch, unsub := b.Subscribe()
	defer unsub()

	count := 0
	var last StatusEvent
	for len(ch) > 0 {
		last = recv(t, ch)
		count++
	}
	if count != historySize {
		t.Errorf("replayed %d events, want %d", count, historySize)
	}
	if last.Msg != "latest" {
		t.Errorf("last replayed = %q, want \"latest\"", last.Msg)
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", b.Clients())
	}
	// must not panic
	b.Broadcast("info", "after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < cap(ch)+10; i++ {
		b.Broadcast("info", "fill")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered %d messages, want %d", len(ch), cap(ch))
	}
}

func TestBroadcastWriter_Write(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	in := "  first line  \n[ScanGo] [ERROR] stage: timeout\n\n"
	n, err := w.Write([]byte(in))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(in) {
		t.Errorf("n = %d, want %d", n, len(in))
	}

	if evt := recv(t, ch); evt.Msg != "first line" || evt.Level != "info" {
		t.Errorf("first event = %+v", evt)
	}
	if evt := recv(t, ch); evt.Level != "error" {
		t.Errorf("second event level = %q, want error", evt.Level)
	}
	if len(ch) != 0 {
		t.Errorf("%d unexpected extra events", len(ch))
	}
}

func TestBroadcastWriter_EmptyWriteIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n"))

	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
