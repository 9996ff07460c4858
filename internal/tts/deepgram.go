package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramClient synthesizes with Deepgram Aura over the speak websocket and
// returns the collected linear16 audio as a WAV file.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int

	// idleWindow ends collection once audio stopped arriving.
	idleWindow time.Duration
	maxWait    time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 48000,
		idleWindow: 400 * time.Millisecond,
		maxWait:    30 * time.Second,
	}
}

func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}

	cb := &pcmCollector{}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		slog.Warn("deepgram: flush error", "error", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(d.maxWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		pcm, last, flushed := cb.state()
		if len(pcm) > 0 && (flushed || time.Since(last) > d.idleWindow) {
			return wrapPCM16(pcm, d.sampleRate), nil
		}
		if time.Now().After(deadline) {
			if len(pcm) == 0 {
				return nil, fmt.Errorf("deepgram: no audio within %s", d.maxWait)
			}
			return wrapPCM16(pcm, d.sampleRate), nil
		}
	}
}

// pcmCollector accumulates binary frames from the speak websocket.
type pcmCollector struct {
	mu      sync.Mutex
	pcm     []byte
	last    time.Time
	flushed bool
}

func (p *pcmCollector) state() ([]byte, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pcm, p.last, p.flushed
}

func (p *pcmCollector) Open(*msginterfaces.OpenResponse) error         { return nil }
func (p *pcmCollector) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (p *pcmCollector) Flush(*msginterfaces.FlushedResponse) error {
	p.mu.Lock()
	p.flushed = true
	p.mu.Unlock()
	return nil
}
func (p *pcmCollector) Clear(*msginterfaces.ClearedResponse) error   { return nil }
func (p *pcmCollector) Close(*msginterfaces.CloseResponse) error     { return nil }
func (p *pcmCollector) Warning(*msginterfaces.WarningResponse) error { return nil }
func (p *pcmCollector) Error(e *msginterfaces.ErrorResponse) error {
	if e != nil {
		slog.Warn("deepgram: error event", "event", *e)
	}
	return nil
}
func (p *pcmCollector) UnhandledEvent([]byte) error { return nil }
func (p *pcmCollector) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p.mu.Lock()
	p.pcm = append(p.pcm, data...)
	p.last = time.Now()
	p.mu.Unlock()
	return nil
}
