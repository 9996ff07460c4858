package inband

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line  string
		digit string
		ok    bool
	}{
		{"Got DMTF 5", "5", true},
		{"[agent] Got DMTF # extra", "#", true},
		{"Got DTMF 9", "9", true},
		{"Got DMTF", "", false},
		{"Registered at sip.example.org", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		ev, ok := ParseLine(tc.line)
		if ok != tc.ok {
			t.Fatalf("ParseLine(%q) ok=%v want %v", tc.line, ok, tc.ok)
		}
		if !ok {
			continue
		}
		d, isDTMF := ev.(events.DTMFReceived)
		if !isDTMF || d.Digit != tc.digit {
			t.Fatalf("ParseLine(%q) = %#v, want digit %q", tc.line, ev, tc.digit)
		}
	}
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func TestRun_PublishesDTMFAndToleratesBadBytes(t *testing.T) {
	input := "starting\nGot DMTF 1\n\xff\xfe garbage\nGot DMTF 2" // last line has no newline
	sink := &recordingSink{}
	rd := &Reader{Sink: sink}
	if err := rd.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.got))
	}
	if sink.got[0] != (events.DTMFReceived{Digit: "1"}) || sink.got[1] != (events.DTMFReceived{Digit: "2"}) {
		t.Fatalf("unexpected events %#v", sink.got)
	}
}

func TestRun_StopsWhenReaderClosed(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	rd := &Reader{Sink: SinkFunc(func(context.Context, events.Event) {})}
	go func() { done <- rd.Run(context.Background(), pr) }()

	if _, err := pw.Write([]byte("Got DMTF 3\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = pr.CloseWithError(io.ErrClosedPipe)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after close")
	}
}

func TestDrain(t *testing.T) {
	if err := Drain(context.Background(), strings.NewReader("warn 1\nwarn 2\n"), nil); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
