package downstream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// ASR transcribes audio through the speech-to-text service.
type ASR struct {
	endpoint endpoint
}

func NewASR(baseURL string, httpClient *http.Client, pollInterval time.Duration) *ASR {
	return &ASR{endpoint: newEndpoint(domain.ServiceASR, baseURL, httpClient, pollInterval)}
}

type transcribeRequest struct {
	AudioURL string `json:"audioUrl"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

type transcription struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	TranscriptText string   `json:"transcriptText"`
	Language       string   `json:"language"`
	Duration       *float64 `json:"duration"`
	Confidence     *float64 `json:"confidence"`
	Model          string   `json:"model"`
	ErrorMessage   string   `json:"errorMessage"`
}

func (t transcription) jobState() (string, string) {
	return t.Status, t.ErrorMessage
}

func (c *ASR) Call(ctx context.Context, call Call) (Result, error) {
	cfg, err := configAs[domain.ASRConfig](call)
	if err != nil {
		return Result{}, err
	}
	audioURL, err := requireInput(call, cfg.Source())
	if err != nil {
		return Result{}, err
	}

	var created transcription
	req := transcribeRequest{AudioURL: audioURL, Language: cfg.Language, Model: cfg.Model}
	if err := c.endpoint.postJSON(ctx, call.Step.Action, "/api/v1/transcribe", call.IdempotencyKey, req, &created); err != nil {
		return Result{}, err
	}
	if created.ID == "" {
		return Result{}, &Error{Service: domain.ServiceASR, Action: call.Step.Action, Message: "response carried no transcription id"}
	}

	done, err := awaitJob(ctx, c.endpoint, call.Step.Action, "/api/v1/transcribe/"+url.PathEscape(created.ID), created)
	if err != nil {
		return Result{}, err
	}

	language := done.Language
	if language == "" {
		language = cfg.Language
	}
	output := domain.Data{
		"transcript":      done.TranscriptText,
		"transcriptionId": created.ID,
		"language":        language,
	}
	if done.Confidence != nil {
		output["confidence"] = *done.Confidence
	}
	if done.Duration != nil {
		output["audioDuration"] = *done.Duration
	}
	return Result{Output: output, ResourceID: created.ID}, nil
}
