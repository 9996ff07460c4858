package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

type fakeObserver struct {
	id     string
	closed bool

	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(_ context.Context, msg []byte) error {
	if f.closed {
		return errors.New("use of closed connection")
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeObserver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestBroadcast_RemovesOnlyFailedObserver(t *testing.T) {
	r := NewRegistry(nil)
	var obs []*fakeObserver
	for i := 0; i < 4; i++ {
		o := &fakeObserver{id: fmt.Sprintf("obs-%d", i)}
		obs = append(obs, o)
		r.Register(o)
	}
	obs[2].closed = true

	n := r.Broadcast(context.Background(), events.DTMFReceived{Digit: "1"})
	if n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 members left, got %d", r.Len())
	}
	for i, o := range obs {
		want := 1
		if i == 2 {
			want = 0
		}
		if o.count() != want {
			t.Fatalf("observer %d got %d messages, want %d", i, o.count(), want)
		}
	}

	// The closed observer stays gone on the next round.
	if n := r.Broadcast(context.Background(), events.RecognitionFinal{Text: "ok"}); n != 3 {
		t.Fatalf("expected 3 deliveries on second broadcast, got %d", n)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := NewRegistry(nil)
	o := &fakeObserver{id: "a"}
	r.Register(o)
	r.Unregister(o)
	r.Unregister(o)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
	if n := r.Broadcast(context.Background(), events.DTMFReceived{Digit: "2"}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestBroadcast_ConcurrentMembership(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		o := &fakeObserver{id: fmt.Sprintf("c-%d", i)}
		go func() {
			defer wg.Done()
			r.Register(o)
			r.Unregister(o)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(context.Background(), events.RecognitionPartial{Text: "x"})
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
