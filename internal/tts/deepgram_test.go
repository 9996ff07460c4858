package tts

import (
	"context"
	"testing"
	"time"
)

// Without an API key Synthesize must fail fast and never dial.
func TestDeepgram_Synthesize_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := d.Synthesize(ctx, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestDeepgram_DefaultModel(t *testing.T) {
	if d := NewDeepgramClient("k", ""); d.model != "aura-2-thalia-en" {
		t.Fatalf("unexpected default model %q", d.model)
	}
}

func TestPCMCollector_Binary(t *testing.T) {
	c := &pcmCollector{}
	_ = c.Binary([]byte{1, 2})
	_ = c.Binary(nil)
	_ = c.Binary([]byte{3, 4})
	pcm, last, flushed := c.state()
	if len(pcm) != 4 || last.IsZero() || flushed {
		t.Fatalf("unexpected collector state len=%d flushed=%v", len(pcm), flushed)
	}
	_ = c.Flush(nil)
	if _, _, flushed := c.state(); !flushed {
		t.Fatalf("expected flushed after Flush event")
	}
}
