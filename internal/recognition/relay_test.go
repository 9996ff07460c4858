package recognition

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

type chanSink struct {
	ch chan events.Event
}

func (s chanSink) Publish(_ context.Context, ev events.Event) { s.ch <- ev }

func startRelay(t *testing.T, sink Sink) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = (&Relay{Sink: sink}).Serve(ctx, ln)
	}()
	return ln.Addr().String(), func() {
		cancel()
		wg.Wait()
	}
}

func TestRelay_ForwardsAndSkipsMalformed(t *testing.T) {
	sink := chanSink{ch: make(chan events.Event, 8)}
	addr, stop := startRelay(t, sink)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn.Write([]byte(`{"event":"recognition_partial","text":"al"}` + "\n" +
		"garbage line\n" +
		`{"event":"recognition_final","text":"alarm"}` + "\n"))
	_ = conn.Close()

	want := []events.Event{
		events.RecognitionPartial{Text: "al"},
		events.RecognitionFinal{Text: "alarm"},
	}
	for i, w := range want {
		select {
		case got := <-sink.ch:
			if got != w {
				t.Fatalf("event %d: got %#v want %#v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestRelay_KeepsAcceptingAfterConnectionEnds(t *testing.T) {
	sink := chanSink{ch: make(chan events.Event, 8)}
	addr, stop := startRelay(t, sink)
	defer stop()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_, _ = conn.Write([]byte(`{"event":"recognition_final","text":"x"}` + "\n"))
		_ = conn.Close()
		select {
		case <-sink.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d: no event", i)
		}
	}
}

func TestRelay_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Relay{}).Serve(ctx, ln) }()

	// An idle client must not keep Serve alive.
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
