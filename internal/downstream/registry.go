package downstream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// Registry resolves the client for a step's service.
type Registry struct {
	clients map[domain.ServiceKind]Client
}

func NewRegistry(clients map[domain.ServiceKind]Client) *Registry {
	copied := make(map[domain.ServiceKind]Client, len(clients))
	for service, client := range clients {
		copied[service] = client
	}
	return &Registry{clients: copied}
}

// NewHTTPRegistry builds the HTTP clients of every known service.
func NewHTTPRegistry(cfg Config, httpClient *http.Client, artifacts ArtifactStore) *Registry {
	return NewRegistry(map[domain.ServiceKind]Client{
		domain.ServiceASR:       NewASR(cfg.ASR.BaseURL, httpClient, cfg.PollInterval),
		domain.ServiceLLM:       NewLLM(cfg.LLM.BaseURL, httpClient),
		domain.ServiceTTS:       NewTTS(cfg.TTS.BaseURL, httpClient, cfg.PollInterval, artifacts).WithDefaultVoice(cfg.TTSDefaultVoice),
		domain.ServiceAudioPost: NewAudioPost(cfg.AudioPost.BaseURL, httpClient, cfg.PollInterval, artifacts),
	})
}

func (r *Registry) Client(service domain.ServiceKind) (Client, error) {
	client, ok := r.clients[service]
	if !ok || client == nil {
		return nil, fmt.Errorf("no client registered for service %q", service)
	}
	return client, nil
}

// Call dispatches to the client of call.Step.Service.
func (r *Registry) Call(ctx context.Context, call Call) (Result, error) {
	client, err := r.Client(call.Step.Service)
	if err != nil {
		return Result{}, &Error{Service: call.Step.Service, Action: call.Step.Action, Message: err.Error()}
	}
	return client.Call(ctx, call)
}
