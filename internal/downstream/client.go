// Package downstream holds the HTTP clients for the services a pipeline step
// can call. Clients are thin: one Call maps a step onto the service contract
// and decodes the result. Retries and timeouts belong to the invoker.
package downstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/execution/pipectx"
)

const (
	// IdempotencyKeyHeader carries the per-step key so the downstream
	// service can drop replays of a retried call.
	IdempotencyKeyHeader = "Idempotency-Key"

	maxResponseBytes    = 8 << 20
	defaultPollInterval = time.Second
)

// Call is one invocation of a step against its service.
type Call struct {
	ExecutionID    string
	StepIndex      int
	Step           domain.Step
	Config         domain.StepConfig
	Input          pipectx.Context
	IdempotencyKey string
}

// Result is what a successful call contributes to the execution.
type Result struct {
	Output     domain.Data
	ResourceID string
	TokensUsed int64
	// CostMicros is set when the service reports its own cost.
	CostMicros *int64
}

type Client interface {
	Call(ctx context.Context, call Call) (Result, error)
}

// ArtifactStore receives binary payloads that a service returns inline.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type endpoint struct {
	service      domain.ServiceKind
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	maxBody      int64
}

func newEndpoint(service domain.ServiceKind, baseURL string, httpClient *http.Client, pollInterval time.Duration) endpoint {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return endpoint{
		service:      service,
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:         httpClient,
		pollInterval: pollInterval,
		maxBody:      maxResponseBytes,
	}
}

func (e endpoint) postJSON(ctx context.Context, action, path, idempotencyKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", e.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	return e.do(req, action, out)
}

func (e endpoint) getJSON(ctx context.Context, action, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return err
	}
	return e.do(req, action, out)
}

func (e endpoint) do(req *http.Request, action string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return transportError(e.service, action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return transportError(e.service, action, err)
	}
	oversized := int64(len(body)) > e.maxBody
	if oversized {
		body = body[:e.maxBody]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(e.service, action, resp.StatusCode, errorMessage(body))
	}
	if oversized {
		return &Error{Service: e.service, Action: action, StatusCode: resp.StatusCode, Message: fmt.Sprintf("response exceeds %d bytes", e.maxBody)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Service: e.service, Action: action, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// errorMessage extracts {"error": "..."} and falls back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// job is an asynchronous downstream resource that is polled until it
// settles.
type job interface {
	jobState() (status string, errorMessage string)
}

// awaitJob polls path until the job completes or fails. A job without a
// status is treated as completed synchronously.
func awaitJob[T job](ctx context.Context, e endpoint, action, path string, current T) (T, error) {
	for {
		status, message := current.jobState()
		switch strings.ToLower(strings.TrimSpace(status)) {
		case "", "completed", "succeeded":
			return current, nil
		case "failed", "error":
			if strings.TrimSpace(message) == "" {
				message = "job failed"
			}
			return current, &Error{Service: e.service, Action: action, Message: message}
		}

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return current, transportError(e.service, action, ctx.Err())
		case <-timer.C:
		}

		var next T
		if err := e.getJSON(ctx, action, path, &next); err != nil {
			return current, err
		}
		current = next
	}
}

func requireInput(call Call, field string) (string, error) {
	v, ok := call.Input.String(field)
	if !ok {
		return "", inputMissing(call.Step.Service, call.Step.Action, field)
	}
	return v, nil
}

func configAs[T domain.StepConfig](call Call) (T, error) {
	var zero T
	if call.Config == nil {
		decoded, err := domain.DecodeStepConfig(call.Step)
		if err != nil {
			return zero, &Error{Service: call.Step.Service, Action: call.Step.Action, Message: err.Error(), Err: err}
		}
		call.Config = decoded
	}
	cfg, ok := call.Config.(T)
	if !ok {
		return zero, &Error{Service: call.Step.Service, Action: call.Step.Action, Message: fmt.Sprintf("unexpected config type %T", call.Config)}
	}
	return cfg, nil
}

// offloadAudio resolves a response's audio to a URL, uploading inline base64
// content to the artifact store when the service did not return one.
func offloadAudio(ctx context.Context, store ArtifactStore, call Call, url, content, format string) (string, error) {
	if strings.TrimSpace(url) != "" {
		return url, nil
	}
	service, action := call.Step.Service, call.Step.Action
	if strings.TrimSpace(content) == "" {
		return "", &Error{Service: service, Action: action, Message: "response carried no audio"}
	}
	if store == nil {
		return "", &Error{Service: service, Action: action, Message: "inline audio returned but artifact storage is disabled"}
	}
	data, err := decodeBase64(content)
	if err != nil {
		return "", &Error{Service: service, Action: action, Message: "decode inline audio", Err: err}
	}
	ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if ext == "" {
		ext = "wav"
	}
	key := fmt.Sprintf("executions/%s/step-%d.%s", call.ExecutionID, call.StepIndex, ext)
	stored, err := store.Put(ctx, key, "audio/"+ext, data)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", transportError(service, action, err)
		}
		return "", &Error{Service: service, Action: action, Message: "store artifact", Transient: true, Err: err}
	}
	return stored, nil
}

func decodeBase64(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if data, err := base64.StdEncoding.DecodeString(content); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(content)
}
