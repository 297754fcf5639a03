package downstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// TTS synthesizes speech through the text-to-speech service.
type TTS struct {
	endpoint     endpoint
	artifacts    ArtifactStore
	defaultVoice string
}

// NewTTS builds the client. artifacts may be nil, in which case responses
// that carry inline audio instead of a URL fail.
func NewTTS(baseURL string, httpClient *http.Client, pollInterval time.Duration, artifacts ArtifactStore) *TTS {
	return &TTS{
		endpoint:     newEndpoint(domain.ServiceTTS, baseURL, httpClient, pollInterval),
		artifacts:    artifacts,
		defaultVoice: domain.DefaultVoice,
	}
}

// WithDefaultVoice sets the voice used by steps that do not configure one.
func (c *TTS) WithDefaultVoice(voice string) *TTS {
	if voice = strings.TrimSpace(voice); voice != "" {
		c.defaultVoice = voice
	}
	return c
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language,omitempty"`
}

type synthesis struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	AudioURL     string   `json:"audioUrl"`
	AudioContent string   `json:"audioContent"`
	Format       string   `json:"format"`
	Duration     *float64 `json:"duration"`
	ErrorMessage string   `json:"errorMessage"`
}

func (s synthesis) jobState() (string, string) {
	return s.Status, s.ErrorMessage
}

func (c *TTS) Call(ctx context.Context, call Call) (Result, error) {
	cfg, err := configAs[domain.TTSConfig](call)
	if err != nil {
		return Result{}, err
	}
	text, err := requireInput(call, cfg.Source())
	if err != nil {
		return Result{}, err
	}

	var created synthesis
	voice := cfg.Voice
	if voice == "" {
		voice = c.defaultVoice
	}
	req := synthesizeRequest{Text: text, Voice: voice, Language: cfg.Language}
	if err := c.endpoint.postJSON(ctx, call.Step.Action, "/api/v1/synthesize", call.IdempotencyKey, req, &created); err != nil {
		return Result{}, err
	}
	if created.ID == "" {
		return Result{}, &Error{Service: domain.ServiceTTS, Action: call.Step.Action, Message: "response carried no synthesis id"}
	}

	done, err := awaitJob(ctx, c.endpoint, call.Step.Action, "/api/v1/synthesize/"+url.PathEscape(created.ID), created)
	if err != nil {
		return Result{}, err
	}
	speechURL, err := offloadAudio(ctx, c.artifacts, call, done.AudioURL, done.AudioContent, done.Format)
	if err != nil {
		return Result{}, err
	}

	output := domain.Data{
		"speechUrl":   speechURL,
		"synthesisId": created.ID,
	}
	if done.Duration != nil {
		output["speechDuration"] = *done.Duration
	}
	return Result{Output: output, ResourceID: created.ID}, nil
}
