package downstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// AudioPost runs an audio post-processing operation on synthesized speech.
type AudioPost struct {
	endpoint  endpoint
	artifacts ArtifactStore
}

func NewAudioPost(baseURL string, httpClient *http.Client, pollInterval time.Duration, artifacts ArtifactStore) *AudioPost {
	return &AudioPost{
		endpoint:  newEndpoint(domain.ServiceAudioPost, baseURL, httpClient, pollInterval),
		artifacts: artifacts,
	}
}

type processRequest struct {
	Operation  string `json:"operation"`
	AudioURL   string `json:"audioUrl"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type processJob struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	AudioURL          string `json:"audioUrl"`
	ProcessedAudioURL string `json:"processedAudioUrl"`
	AudioContent      string `json:"audioContent"`
	Format            string `json:"format"`
	ErrorMessage      string `json:"errorMessage"`
}

func (j processJob) jobState() (string, string) {
	return j.Status, j.ErrorMessage
}

func (c *AudioPost) Call(ctx context.Context, call Call) (Result, error) {
	cfg, err := configAs[domain.AudioPostConfig](call)
	if err != nil {
		return Result{}, err
	}
	audioURL, err := requireInput(call, cfg.Source())
	if err != nil {
		return Result{}, err
	}

	var created processJob
	req := processRequest{Operation: cfg.Operation, AudioURL: audioURL, Format: cfg.Format, SampleRate: cfg.SampleRate}
	if err := c.endpoint.postJSON(ctx, call.Step.Action, "/api/v1/process", call.IdempotencyKey, req, &created); err != nil {
		return Result{}, err
	}

	done := created
	if created.ID != "" {
		done, err = awaitJob(ctx, c.endpoint, call.Step.Action, "/api/v1/process/"+url.PathEscape(created.ID), created)
		if err != nil {
			return Result{}, err
		}
	} else if status, _ := created.jobState(); status != "" && !strings.EqualFold(status, "completed") {
		return Result{}, &Error{Service: domain.ServiceAudioPost, Action: call.Step.Action, Message: "asynchronous response carried no job id"}
	}

	resultURL := done.ProcessedAudioURL
	if resultURL == "" {
		resultURL = done.AudioURL
	}
	format := done.Format
	if format == "" {
		format = cfg.Format
	}
	processed, err := offloadAudio(ctx, c.artifacts, call, resultURL, done.AudioContent, format)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Output: domain.Data{
			"processedAudioUrl": processed,
			"audioPostId":       created.ID,
		},
		ResourceID: created.ID,
	}, nil
}
