package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string `env:"WS_LISTEN_ADDR" envDefault:"0.0.0.0:8765"`
	AuthToken  string `env:"WS_AUTH_TOKEN"`

	CallBackendAddr    string        `env:"SIP_CLIENT_ADDR" envDefault:"127.0.0.1:9999"`
	CallBackendTimeout time.Duration `env:"SIP_CLIENT_TIMEOUT" envDefault:"5s"`
	CallDomain         string        `env:"CALL_DOMAIN" envDefault:"fekeniyibklof.beget.app"`

	RecognizerAddr        string        `env:"VOSK_COMMAND_ADDR" envDefault:"127.0.0.1:9990"`
	RecognizerTimeout     time.Duration `env:"VOSK_COMMAND_TIMEOUT" envDefault:"3s"`
	RecognitionListenAddr string        `env:"VOSK_RESULTS_LISTEN_ADDR" envDefault:"127.0.0.1:9991"`

	SessionCommand  string        `env:"SESSION_COMMAND" envDefault:"python /usr/bin/sip-session3"`
	StartupDelay    time.Duration `env:"SESSION_STARTUP_DELAY" envDefault:"5s"`
	GracefulTimeout time.Duration `env:"SESSION_GRACEFUL_TIMEOUT" envDefault:"3s"`
	KillTimeout     time.Duration `env:"SESSION_KILL_TIMEOUT" envDefault:"1s"`
	PollRetries     int           `env:"STATUS_POLL_RETRIES" envDefault:"3"`
	PollInterval    time.Duration `env:"STATUS_POLL_INTERVAL" envDefault:"1s"`

	PlaybackCommand string `env:"PLAYBACK_COMMAND" envDefault:"paplay"`
	PlaybackDevice  string `env:"PLAYBACK_DEVICE" envDefault:"virtual_sorc"`
	TestSoundFile   string `env:"TEST_SOUND_FILE" envDefault:"/app/song.wav"`
	AudioTempDir    string `env:"AUDIO_TEMP_DIR"`

	TTSProvider string        `env:"TTS_PROVIDER" envDefault:"f5"`
	TTSBaseURL  string        `env:"TTS_BASE_URL"`
	TTSToken    string        `env:"TTS_TOKEN"`
	TTSRefAudio string        `env:"TTS_REF_AUDIO" envDefault:"/app/base.mp3"`
	TTSRefText  string        `env:"TTS_REF_TEXT"`
	TTSTimeout  time.Duration `env:"TTS_TIMEOUT" envDefault:"2m"`

	DeepgramKey       string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `env:"DEEPGRAM_TTS_MODEL" envDefault:"aura-2-thalia-en"`
	ElevenLabsKey     string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// SessionArgv splits SessionCommand into an argv.
func (c Config) SessionArgv() []string {
	return strings.Fields(c.SessionCommand)
}

// Load builds the configuration. Precedence, lowest first: built-in
// defaults, the YAML file named by --config or ORCHESTRATOR_CONFIG, the
// process environment (including .env), command-line flags.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: error loading .env file", "error", err)
	}

	fs := pflag.NewFlagSet("orchestrator", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("ORCHESTRATOR_CONFIG"), "YAML config file; keys are the environment variable names")
	listen := fs.String("listen", "", "websocket listen address")
	callBackend := fs.String("sip-addr", "", "call backend command address")
	recognizer := fs.String("vosk-addr", "", "recognizer command address")
	results := fs.String("vosk-results-addr", "", "recognition results listen address")
	sessionCmd := fs.String("session-command", "", "call agent command line")
	provider := fs.String("tts-provider", "", "speech synthesis provider: f5, deepgram or elevenlabs")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	environment := environMap(os.Environ())
	if *configPath != "" {
		fileEnv, err := readFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fileEnv {
			if _, set := environment[k]; !set {
				environment[k] = v
			}
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	overrides := []struct {
		flag   string
		value  *string
		target *string
	}{
		{"listen", listen, &cfg.ListenAddr},
		{"sip-addr", callBackend, &cfg.CallBackendAddr},
		{"vosk-addr", recognizer, &cfg.RecognizerAddr},
		{"vosk-results-addr", results, &cfg.RecognitionListenAddr},
		{"session-command", sessionCmd, &cfg.SessionCommand},
		{"tts-provider", provider, &cfg.TTSProvider},
		{"log-level", logLevel, &cfg.LogLevel},
	}
	for _, o := range overrides {
		if fs.Changed(o.flag) {
			*o.target = *o.value
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.warn()
	return cfg, nil
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// readFile loads a flat YAML mapping of environment variable names to
// values.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: key %s must be a scalar", path, k)
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (c Config) validate() error {
	if len(c.SessionArgv()) == 0 {
		return fmt.Errorf("SESSION_COMMAND must not be empty")
	}
	if c.PollRetries < 1 {
		return fmt.Errorf("STATUS_POLL_RETRIES must be at least 1, got %d", c.PollRetries)
	}
	switch c.TTSProvider {
	case "f5", "deepgram", "elevenlabs":
	default:
		return fmt.Errorf("TTS_PROVIDER %q is not one of f5, deepgram, elevenlabs", c.TTSProvider)
	}
	return nil
}

func (c Config) warn() {
	switch c.TTSProvider {
	case "f5":
		if c.TTSBaseURL == "" {
			slog.Warn("config: TTS_BASE_URL not set - speak will not work")
		}
		if c.TTSRefText == "" {
			slog.Warn("config: TTS_REF_TEXT not set - voice cloning quality will suffer")
		}
	case "deepgram":
		if c.DeepgramKey == "" {
			slog.Warn("config: DEEPGRAM_API_KEY not set - speak will not work")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			slog.Warn("config: ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - speak will not work")
		}
	}
	if c.AuthToken == "" {
		slog.Warn("config: WS_AUTH_TOKEN not set - control channel is unauthenticated")
	}
}
