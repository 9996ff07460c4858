package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSynth struct {
	err error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("RIFF" + text), nil
}

// blockingPlayer plays until cancelled, or until release is closed.
type blockingPlayer struct {
	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	started   chan string
	sawFile   []bool
}

func newBlockingPlayer() *blockingPlayer {
	return &blockingPlayer{release: make(chan struct{}), started: make(chan string, 8)}
}

func (b *blockingPlayer) Play(ctx context.Context, path string) error {
	_, statErr := os.Stat(path)
	b.mu.Lock()
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.sawFile = append(b.sawFile, statErr == nil)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()
	b.started <- path
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
		return nil
	}
}

func TestSpeak_SecondRequestPreemptsFirst(t *testing.T) {
	dir := t.TempDir()
	player := newBlockingPlayer()
	p := New(&fakeSynth{}, player, dir, nil)

	first := make(chan Result, 1)
	go func() { first <- p.Speak(context.Background(), "one") }()
	firstPath := <-player.started

	second := make(chan Result, 1)
	go func() { second <- p.Speak(context.Background(), "two") }()

	select {
	case r := <-first:
		if r.OK() || !errors.Is(r.Err, ErrPreempted) {
			t.Fatalf("expected first job preempted, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first job was not preempted")
	}

	secondPath := <-player.started
	close(player.release)
	r := <-second
	if !r.OK() {
		t.Fatalf("expected second job success, got %+v", r)
	}

	player.mu.Lock()
	defer player.mu.Unlock()
	if player.maxActive != 1 {
		t.Fatalf("expected at most one concurrent playback, saw %d", player.maxActive)
	}
	for i, ok := range player.sawFile {
		if !ok {
			t.Fatalf("playback %d did not find its audio file", i)
		}
	}
	for _, path := range []string{firstPath, secondPath} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("transient file %s not removed", path)
		}
	}
	if p.Active() {
		t.Fatalf("pipeline should be idle")
	}
}

func TestSpeak_GenerationFailureSkipsPlayback(t *testing.T) {
	dir := t.TempDir()
	player := newBlockingPlayer()
	p := New(&fakeSynth{err: errors.New("status=503")}, player, dir, nil)

	r := p.Speak(context.Background(), "hello")
	if r.OK() || r.Message != "Speech generation failed: status=503" {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(player.started) != 0 {
		t.Fatalf("playback must not start after failed generation")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no transient files, found %d", len(entries))
	}
}

type failingPlayer struct{}

func (failingPlayer) Play(context.Context, string) error { return errors.New("exit status 1") }

func TestSpeak_PlaybackFailureStillRemovesFile(t *testing.T) {
	dir := t.TempDir()
	p := New(&fakeSynth{}, failingPlayer{}, dir, nil)
	r := p.Speak(context.Background(), "hello")
	if r.OK() || r.Message != "Playback failed: exit status 1" {
		t.Fatalf("unexpected result %+v", r)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("transient file left behind")
	}
}

func TestPlayFile_KeepsFileAndStopCancels(t *testing.T) {
	dir := t.TempDir()
	sound := filepath.Join(dir, "song.wav")
	if err := os.WriteFile(sound, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	player := newBlockingPlayer()
	p := New(&fakeSynth{}, player, dir, nil)

	done := make(chan Result, 1)
	go func() { done <- p.PlayFile(context.Background(), sound) }()
	<-player.started
	p.Stop()

	r := <-done
	if r.OK() {
		t.Fatalf("expected cancelled playback")
	}
	if _, err := os.Stat(sound); err != nil {
		t.Fatalf("test sound must not be removed: %v", err)
	}
}

func TestPlayFile_Missing(t *testing.T) {
	p := New(&fakeSynth{}, newBlockingPlayer(), t.TempDir(), nil)
	if r := p.PlayFile(context.Background(), "/nonexistent/song.wav"); r.OK() {
		t.Fatalf("expected error for missing file")
	}
}

func TestCommandPlayer_ExitStatus(t *testing.T) {
	ok := NewCommandPlayer("true", "", nil)
	if err := ok.Play(context.Background(), "/dev/null"); err != nil {
		t.Fatalf("true: %v", err)
	}
	bad := NewCommandPlayer("false", "virtual_sorc", nil)
	if err := bad.Play(context.Background(), "/dev/null"); err == nil {
		t.Fatalf("expected error from false")
	}
}

func TestCommandPlayer_CancelKills(t *testing.T) {
	p := NewCommandPlayer("sleep", "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	// "sleep 30" never finishes on its own.
	if err := p.Play(ctx, "30"); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancelled playback was not killed promptly")
	}
}
