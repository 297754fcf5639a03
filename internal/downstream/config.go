package downstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/platform/env"
)

// Endpoint is one downstream service's base URL and per-attempt timeout.
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
}

// OAuthConfig enables client-credentials bearer tokens on every call when
// TokenURL is set.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (c OAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

type Config struct {
	ASR          Endpoint
	LLM          Endpoint
	TTS          Endpoint
	AudioPost    Endpoint
	PollInterval time.Duration
	OAuth        OAuthConfig
	// TTSDefaultVoice is sent for tts steps without a configured voice.
	TTSDefaultVoice string
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error

	endpoints := []struct {
		prefix  string
		url     string
		timeout time.Duration
		dst     *Endpoint
	}{
		{"MEDIAFLOW_ASR", "http://localhost:8001", 30 * time.Second, &cfg.ASR},
		{"MEDIAFLOW_TTS", "http://localhost:8002", 30 * time.Second, &cfg.TTS},
		{"MEDIAFLOW_LLM", "http://localhost:8003", 60 * time.Second, &cfg.LLM},
		{"MEDIAFLOW_AUDIO_POST", "http://localhost:8005", 30 * time.Second, &cfg.AudioPost},
	}
	for _, e := range endpoints {
		e.dst.BaseURL = env.String(e.prefix+"_URL", e.url)
		e.dst.Timeout, err = env.Duration(e.prefix+"_TIMEOUT", e.timeout)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.PollInterval, err = env.Duration("MEDIAFLOW_POLL_INTERVAL", defaultPollInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.TTSDefaultVoice = strings.TrimSpace(env.String("MEDIAFLOW_TTS_DEFAULT_VOICE", domain.DefaultVoice))

	cfg.OAuth = OAuthConfig{
		TokenURL:     env.String("MEDIAFLOW_OAUTH_TOKEN_URL", ""),
		ClientID:     env.String("MEDIAFLOW_OAUTH_CLIENT_ID", ""),
		ClientSecret: env.String("MEDIAFLOW_OAUTH_CLIENT_SECRET", ""),
		Scopes:       env.Strings("MEDIAFLOW_OAUTH_SCOPES", nil),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for service, e := range c.endpoints() {
		if err := validateBaseURL(e.BaseURL); err != nil {
			return fmt.Errorf("%s url: %w", service, err)
		}
		if e.Timeout <= 0 {
			return fmt.Errorf("%s timeout must be positive", service)
		}
	}
	if c.PollInterval <= 0 {
		return errors.New("MEDIAFLOW_POLL_INTERVAL must be positive")
	}
	if strings.TrimSpace(c.TTSDefaultVoice) == "" {
		return errors.New("MEDIAFLOW_TTS_DEFAULT_VOICE must not be empty")
	}
	if c.OAuth.Enabled() {
		if err := validateBaseURL(c.OAuth.TokenURL); err != nil {
			return fmt.Errorf("oauth token url: %w", err)
		}
		if strings.TrimSpace(c.OAuth.ClientID) == "" {
			return errors.New("MEDIAFLOW_OAUTH_CLIENT_ID is required when MEDIAFLOW_OAUTH_TOKEN_URL is set")
		}
	}
	return nil
}

// Timeouts returns the per-attempt timeout of every service.
func (c Config) Timeouts() map[domain.ServiceKind]time.Duration {
	out := make(map[domain.ServiceKind]time.Duration, 4)
	for service, e := range c.endpoints() {
		out[service] = e.Timeout
	}
	return out
}

func (c Config) endpoints() map[domain.ServiceKind]Endpoint {
	return map[domain.ServiceKind]Endpoint{
		domain.ServiceASR:       c.ASR,
		domain.ServiceLLM:       c.LLM,
		domain.ServiceTTS:       c.TTS,
		domain.ServiceAudioPost: c.AudioPost,
	}
}

func validateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// NewHTTPClient returns the client used for downstream calls. Timeouts come
// from the caller's context, so the client sets none.
func NewHTTPClient(ctx context.Context, cfg OAuthConfig) *http.Client {
	if !cfg.Enabled() {
		return &http.Client{}
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return cc.Client(ctx)
}
