// Package tts generates speech audio for the playback pipeline. Every
// provider returns a complete audio file payload ready to be written to disk
// and handed to the player.
package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Synthesizer turns text into an audio file payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// wrapPCM16 prepends a RIFF/WAVE header to mono 16-bit little-endian PCM.
func wrapPCM16(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// Provider names accepted by New.
const (
	ProviderF5         = "f5"
	ProviderDeepgram   = "deepgram"
	ProviderElevenLabs = "elevenlabs"
)

// Settings selects and configures a provider.
type Settings struct {
	Provider string

	F5BaseURL string
	F5Token   string
	RefAudio  string
	RefText   string
	F5Timeout time.Duration
	F5Params  F5Params

	DeepgramKey   string
	DeepgramModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string
}

// New builds the synthesizer named by s.Provider.
func New(s Settings) (Synthesizer, error) {
	switch s.Provider {
	case "", ProviderF5:
		return NewF5Client(s.F5BaseURL, s.F5Token, s.RefAudio, s.RefText, s.F5Timeout, s.F5Params), nil
	case ProviderDeepgram:
		return NewDeepgramClient(s.DeepgramKey, s.DeepgramModel), nil
	case ProviderElevenLabs:
		return NewElevenLabsClient(s.ElevenLabsKey, s.ElevenLabsVoiceID), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", s.Provider)
	}
}
