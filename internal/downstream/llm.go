package downstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// LLM runs one chat turn: it opens a conversation and posts the user
// message, returning the assistant reply.
type LLM struct {
	endpoint endpoint
}

func NewLLM(baseURL string, httpClient *http.Client) *LLM {
	return &LLM{endpoint: newEndpoint(domain.ServiceLLM, baseURL, httpClient, 0)}
}

type conversationRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type conversation struct {
	ID string `json:"id"`
}

type messageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type message struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Tokens     int64  `json:"tokens"`
	CostMicros *int64 `json:"costMicros,omitempty"`
}

func (c *LLM) Call(ctx context.Context, call Call) (Result, error) {
	cfg, err := configAs[domain.LLMConfig](call)
	if err != nil {
		return Result{}, err
	}
	content, err := llmPrompt(call, cfg)
	if err != nil {
		return Result{}, err
	}

	action := call.Step.Action
	title := cfg.Title
	if title == "" {
		title = "pipeline " + call.ExecutionID
	}

	var conv conversation
	convReq := conversationRequest{Title: title, Model: cfg.Model, SystemPrompt: cfg.SystemPrompt}
	if err := c.endpoint.postJSON(ctx, action, "/api/v1/conversations", subKey(call.IdempotencyKey, "conversation"), convReq, &conv); err != nil {
		return Result{}, err
	}
	if conv.ID == "" {
		return Result{}, &Error{Service: domain.ServiceLLM, Action: action, Message: "response carried no conversation id"}
	}

	var reply message
	msgReq := messageRequest{Role: "user", Content: content}
	path := "/api/v1/conversations/" + url.PathEscape(conv.ID) + "/messages"
	if err := c.endpoint.postJSON(ctx, action, path, subKey(call.IdempotencyKey, "message"), msgReq, &reply); err != nil {
		return Result{}, err
	}

	return Result{
		Output: domain.Data{
			"completion":     reply.Content,
			"conversationId": conv.ID,
			"messageId":      reply.ID,
			"tokens":         reply.Tokens,
		},
		ResourceID: conv.ID,
		TokensUsed: reply.Tokens,
		CostMicros: reply.CostMicros,
	}, nil
}

// llmPrompt renders the configured prompt template, or passes the input
// field through when no template is set.
func llmPrompt(call Call, cfg domain.LLMConfig) (string, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return requireInput(call, cfg.Source())
	}
	rendered, missing := call.Input.Render(cfg.Prompt)
	if len(missing) > 0 {
		return "", inputMissing(domain.ServiceLLM, call.Step.Action, strings.Join(missing, ", "))
	}
	if strings.TrimSpace(rendered) == "" {
		return "", inputMissing(domain.ServiceLLM, call.Step.Action, cfg.Source())
	}
	return rendered, nil
}

func subKey(key, suffix string) string {
	if key == "" {
		return ""
	}
	return key + ":" + suffix
}
