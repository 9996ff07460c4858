package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// F5Params are the generation knobs forwarded to the voice-cloning service.
type F5Params struct {
	RemoveSilence    bool
	RandomizeSeed    bool
	Seed             int
	CrossFadeSeconds float64
	NFESteps         int
	Speed            float64
}

// DefaultF5Params matches the settings the deployment was tuned with.
var DefaultF5Params = F5Params{
	RandomizeSeed:    true,
	CrossFadeSeconds: 0.15,
	NFESteps:         32,
	Speed:            1.0,
}

// F5Client calls the F5-TTS voice cloning endpoint: it uploads a reference
// voice sample with its transcript and receives the generated audio file.
type F5Client struct {
	BaseURL  string
	Token    string
	RefAudio string
	RefText  string
	Params   F5Params

	httpClient *http.Client
}

func NewF5Client(baseURL, token, refAudio, refText string, timeout time.Duration, params F5Params) *F5Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if params == (F5Params{}) {
		params = DefaultF5Params
	}
	return &F5Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		RefAudio:   refAudio,
		RefText:    refText,
		Params:     params,
		httpClient: newHTTPClient(timeout),
	}
}

// WithHTTPClient replaces the HTTP client (tests).
func (c *F5Client) WithHTTPClient(hc *http.Client) *F5Client {
	c.httpClient = hc
	return c
}

var refAudioTypes = map[string]string{
	".ogg": "audio/ogg",
	".wav": "audio/wav",
	".mp3": "audio/mpeg",
}

func (c *F5Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("f5: base url missing")
	}
	ref, err := os.ReadFile(c.RefAudio)
	if err != nil {
		return nil, fmt.Errorf("f5: reference audio: %w", err)
	}

	body, contentType, err := c.buildForm(ref, text)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tts/generate", body)
	if err != nil {
		return nil, fmt.Errorf("f5: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("f5: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("f5: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("f5: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("f5: empty audio response")
	}
	slog.Debug("f5: audio generated", "bytes", len(audio), "elapsed", time.Since(start))
	return audio, nil
}

func (c *F5Client) buildForm(ref []byte, text string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := filepath.Base(c.RefAudio)
	mediaType, ok := refAudioTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		mediaType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="ref_audio_file"; filename=%q`, name))
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("f5: form: %w", err)
	}
	if _, err := part.Write(ref); err != nil {
		return nil, "", fmt.Errorf("f5: form: %w", err)
	}

	fields := [][2]string{
		{"ref_text_input", c.RefText},
		{"gen_text_input", text},
		{"remove_silence", strconv.FormatBool(c.Params.RemoveSilence)},
		{"randomize_seed", strconv.FormatBool(c.Params.RandomizeSeed)},
		{"seed_input", strconv.Itoa(c.Params.Seed)},
		{"cross_fade_duration_slider", strconv.FormatFloat(c.Params.CrossFadeSeconds, 'f', -1, 64)},
		{"nfe_slider", strconv.Itoa(c.Params.NFESteps)},
		{"speed_slider", strconv.FormatFloat(c.Params.Speed, 'f', 1, 64)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("f5: form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("f5: form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
