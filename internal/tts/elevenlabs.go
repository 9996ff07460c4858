package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const elevenLabsSampleRate = 48000

// ElevenLabsClient synthesizes over the ElevenLabs HTTP streaming endpoint
// and returns the PCM stream wrapped as a WAV file.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
	// BaseURL defaults to https://api.elevenlabs.io.
	BaseURL string

	httpClient *http.Client
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		BaseURL:    "https://api.elevenlabs.io",
		httpClient: newHTTPClient(0),
	}
}

// WithHTTPClient replaces the HTTP client (tests).
func (e *ElevenLabsClient) WithHTTPClient(hc *http.Client) *ElevenLabsClient {
	e.httpClient = hc
	return e
}

func (e *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.APIKey == "" || e.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: api key or voice id missing")
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u = u.JoinPath("/v1/text-to-speech", e.VoiceID, "stream")
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs http read error: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("elevenlabs: empty audio stream")
	}
	slog.Debug("elevenlabs: audio received", "bytes", len(pcm))
	return wrapPCM16(pcm, elevenLabsSampleRate), nil
}
