// Package config loads voice client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	TranscriptionModel string
	Modalities         []string
	Instructions       string
	SampleRate         int

	// Server-side voice activity detection.
	VADType          string
	VADThreshold     float64
	VADPrefixPadding time.Duration
	VADSilence       time.Duration

	NegotiationTimeout time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration

	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	ControlRetries   int
	ControlBaseDelay time.Duration
	SaveRetries      int
	SaveBaseDelay    time.Duration

	DedupWindow             time.Duration
	ConversationTimeout     time.Duration
	ConversationRetries     int
	ConversationReuseWindow time.Duration
	EndFlushTimeout         time.Duration

	// Persistence. DatabaseURL wins over SQLitePath; neither means in-memory.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	UserID      string
	MetricsAddr string
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. An empty path loads ./.env if
// present.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		URL:                     envOr("VAI_VOICE_URL", "wss://api.openai.com/v1/realtime"),
		APIKey:                  envOr("VAI_VOICE_API_KEY", strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))),
		Model:                   envOr("VAI_VOICE_MODEL", "gpt-4o-realtime-preview"),
		Voice:                   envOr("VAI_VOICE_VOICE", "alloy"),
		TranscriptionModel:      envOr("VAI_VOICE_TRANSCRIPTION_MODEL", "whisper-1"),
		Modalities:              splitCSV(envOr("VAI_VOICE_MODALITIES", "text,audio")),
		Instructions:            envOr("VAI_VOICE_INSTRUCTIONS", ""),
		SampleRate:              envIntOr("VAI_VOICE_SAMPLE_RATE", 24000),
		VADType:                 envOr("VAI_VOICE_VAD_TYPE", "server_vad"),
		VADThreshold:            envFloat64Or("VAI_VOICE_VAD_THRESHOLD", 0.5),
		VADPrefixPadding:        envDurationOr("VAI_VOICE_VAD_PREFIX_PADDING", 300*time.Millisecond),
		VADSilence:              envDurationOr("VAI_VOICE_VAD_SILENCE", 500*time.Millisecond),
		NegotiationTimeout:      envDurationOr("VAI_VOICE_NEGOTIATION_TIMEOUT", 10*time.Second),
		PingInterval:            envDurationOr("VAI_VOICE_PING_INTERVAL", 20*time.Second),
		WriteTimeout:            envDurationOr("VAI_VOICE_WRITE_TIMEOUT", 5*time.Second),
		ReconnectAttempts:       envIntOr("VAI_VOICE_RECONNECT_ATTEMPTS", 3),
		ReconnectBaseDelay:      envDurationOr("VAI_VOICE_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:       envDurationOr("VAI_VOICE_RECONNECT_MAX_DELAY", 10*time.Second),
		ControlRetries:          envIntOr("VAI_VOICE_CONTROL_RETRIES", 3),
		ControlBaseDelay:        envDurationOr("VAI_VOICE_CONTROL_BASE_DELAY", 100*time.Millisecond),
		SaveRetries:             envIntOr("VAI_VOICE_SAVE_RETRIES", 3),
		SaveBaseDelay:           envDurationOr("VAI_VOICE_SAVE_BASE_DELAY", 500*time.Millisecond),
		DedupWindow:             envDurationOr("VAI_VOICE_DEDUP_WINDOW", 5*time.Second),
		ConversationTimeout:     envDurationOr("VAI_VOICE_CONVERSATION_TIMEOUT", 5*time.Second),
		ConversationRetries:     envIntOr("VAI_VOICE_CONVERSATION_RETRIES", 3),
		ConversationReuseWindow: envDurationOr("VAI_VOICE_CONVERSATION_REUSE_WINDOW", 30*time.Minute),
		EndFlushTimeout:         envDurationOr("VAI_VOICE_END_FLUSH_TIMEOUT", 300*time.Millisecond),
		DatabaseURL:             envOr("VAI_VOICE_DATABASE_URL", ""),
		SQLitePath:              envOr("VAI_VOICE_SQLITE_PATH", ""),
		RedisURL:                envOr("VAI_VOICE_REDIS_URL", ""),
		UserID:                  envOr("VAI_VOICE_USER_ID", ""),
		MetricsAddr:             envOr("VAI_VOICE_METRICS_ADDR", ""),
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("VAI_VOICE_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("VAI_VOICE_MODEL must not be empty")
	}
	if len(cfg.Modalities) == 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_MODALITIES must list at least one modality")
	}
	for _, m := range cfg.Modalities {
		if m != "text" && m != "audio" {
			return Config{}, fmt.Errorf("VAI_VOICE_MODALITIES must contain only text|audio, got %q", m)
		}
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_SAMPLE_RATE must be > 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAI_VOICE_VAD_THRESHOLD must be within [0, 1]")
	}
	if cfg.VADPrefixPadding < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_VAD_PREFIX_PADDING must be >= 0")
	}
	if cfg.VADSilence < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_VAD_SILENCE must be >= 0")
	}
	if cfg.NegotiationTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_NEGOTIATION_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_RECONNECT_ATTEMPTS must be > 0")
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_RECONNECT_BASE_DELAY must be > 0")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return Config{}, fmt.Errorf("VAI_VOICE_RECONNECT_MAX_DELAY must be >= VAI_VOICE_RECONNECT_BASE_DELAY")
	}
	if cfg.ControlRetries <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_CONTROL_RETRIES must be > 0")
	}
	if cfg.SaveRetries <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_SAVE_RETRIES must be > 0")
	}
	if cfg.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_DEDUP_WINDOW must be > 0")
	}
	if cfg.ConversationTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_CONVERSATION_TIMEOUT must be > 0")
	}
	if cfg.ConversationRetries <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_CONVERSATION_RETRIES must be > 0")
	}
	if cfg.ConversationReuseWindow < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_CONVERSATION_REUSE_WINDOW must be >= 0")
	}
	if cfg.EndFlushTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_END_FLUSH_TIMEOUT must be > 0")
	}
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return Config{}, fmt.Errorf("VAI_VOICE_DATABASE_URL and VAI_VOICE_SQLITE_PATH are mutually exclusive")
	}

	return cfg, nil
}

// DialURL is URL with the model query parameter applied.
func (c Config) DialURL() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	if c.Model != "" {
		q := u.Query()
		q.Set("model", c.Model)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c Config) SessionConfig() protocol.SessionConfig {
	sc := protocol.SessionConfig{
		Modalities:        append([]string(nil), c.Modalities...),
		Voice:             c.Voice,
		Instructions:      c.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if c.TranscriptionModel != "" {
		sc.InputAudioTranscription = &protocol.InputAudioTranscription{Model: c.TranscriptionModel}
	}
	if c.VADType != "" {
		sc.TurnDetection = &protocol.TurnDetection{
			Type:              c.VADType,
			Threshold:         c.VADThreshold,
			PrefixPaddingMS:   int(c.VADPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(c.VADSilence / time.Millisecond),
		}
	}
	return sc
}

func (c Config) ReconnectPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.ReconnectAttempts,
		BaseDelay:   c.ReconnectBaseDelay,
		Multiplier:  2,
		MaxDelay:    c.ReconnectMaxDelay,
	}
}

func (c Config) ControlPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.ControlRetries,
		BaseDelay:   c.ControlBaseDelay,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
	}
}

func (c Config) SavePolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.SaveRetries,
		BaseDelay:   c.SaveBaseDelay,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
	}
}

func (c Config) ConversationPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.ConversationRetries,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
