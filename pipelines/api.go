package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/platform/auth"
	"github.com/animus-labs/mediaflow/internal/platform/events"
	"github.com/animus-labs/mediaflow/internal/platform/httpserver"
	"github.com/animus-labs/mediaflow/internal/service/definitions"
	"github.com/animus-labs/mediaflow/internal/service/executions"
)

const (
	serviceName   = "pipelines"
	apiPrefix     = "/api/v1"
	headerIdemKey = "Idempotency-Key"
)

type pipelinesAPI struct {
	logger      *slog.Logger
	definitions *definitions.Service
	executions  *executions.Coordinator
	events      *events.Stream
	maxBody     int64
}

func newPipelinesAPI(
	logger *slog.Logger,
	defs *definitions.Service,
	coordinator *executions.Coordinator,
	stream *events.Stream,
	maxBody int64,
) *pipelinesAPI {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &pipelinesAPI{
		logger:      logger,
		definitions: defs,
		executions:  coordinator,
		events:      stream,
		maxBody:     maxBody,
	}
}

func (api *pipelinesAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /pipelines", api.handleCreatePipeline)
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{pipeline_id}", api.handleGetPipeline)
	mux.HandleFunc("PUT /pipelines/{pipeline_id}/steps", api.handleUpdatePipelineSteps)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/status", api.handleSetPipelineStatus)
	mux.HandleFunc("DELETE /pipelines/{pipeline_id}", api.handleArchivePipeline)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/execute", api.handleExecutePipeline)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/executions", api.handleListExecutions)

	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetExecution)
	mux.HandleFunc("POST /executions/{execution_id}/cancel", api.handleCancelExecution)
	mux.HandleFunc("GET /executions/{execution_id}/events", api.handleExecutionEvents)
}

// handler mounts the routes at the root and under /api/v1, behind gateway
// identity checks for everything except the health probes.
func (api *pipelinesAPI) handler(authn auth.Authenticator, readyz http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpserver.Healthz(serviceName))
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", readyz)
	api.register(mux)

	root := http.NewServeMux()
	root.Handle("/", mux)
	root.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

	probes := []string{"/health", "/healthz", "/readyz"}
	skip := make([]string, 0, 2*len(probes))
	for _, p := range probes {
		skip = append(skip, p, apiPrefix+p)
	}
	authed := auth.Middleware{
		Logger:        api.logger,
		Authenticator: authn,
		SkipPrefixes:  skip,
	}.Wrap(root)
	return httpserver.Wrap(api.logger, serviceName, authed)
}

type stepResource struct {
	Service string          `json:"service"`
	Action  string          `json:"action"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type pipelineResource struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []stepResource `json:"steps"`
	Status      string         `json:"status"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type stepOutcomeResource struct {
	StepIndex  int            `json:"stepIndex"`
	Service    string         `json:"service"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	LatencyMs  int64          `json:"latencyMs"`
	ResourceID string         `json:"resourceId,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	TokensUsed int64          `json:"tokensUsed,omitempty"`
	CostMicros *int64         `json:"costMicros,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

type executionResource struct {
	ID                string                `json:"id"`
	PipelineID        string                `json:"pipelineId"`
	OwnerID           string                `json:"ownerId"`
	DefinitionVersion int                   `json:"definitionVersion"`
	Status            string                `json:"status"`
	Steps             []stepResource        `json:"steps"`
	InputData         map[string]any        `json:"inputData"`
	OutputData        map[string]any        `json:"outputData,omitempty"`
	ContextData       map[string]any        `json:"contextData,omitempty"`
	ErrorMessage      string                `json:"errorMessage,omitempty"`
	StepCursor        int                   `json:"stepCursor"`
	CancelRequested   bool                  `json:"cancelRequested"`
	ExecutionTime     *int64                `json:"executionTime,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
	StartedAt         *time.Time            `json:"startedAt,omitempty"`
	CompletedAt       *time.Time            `json:"completedAt,omitempty"`
	Outcomes          []stepOutcomeResource `json:"stepOutcomes,omitempty"`
}

func toStepResources(steps []domain.Step) []stepResource {
	out := make([]stepResource, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepResource{Service: string(s.Service), Action: s.Action, Config: s.Config})
	}
	return out
}

func fromStepResources(steps []stepResource) []domain.Step {
	out := make([]domain.Step, 0, len(steps))
	for _, s := range steps {
		out = append(out, domain.Step{Service: domain.ServiceKind(s.Service), Action: s.Action, Config: s.Config})
	}
	return out
}

func toPipelineResource(def domain.PipelineDefinition) pipelineResource {
	return pipelineResource{
		ID:          def.ID,
		OwnerID:     def.OwnerID,
		Name:        def.Name,
		Description: def.Description,
		Steps:       toStepResources(def.Steps),
		Status:      string(def.Status),
		Version:     def.Version,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}
}

func toExecutionResource(exec domain.PipelineExecution) executionResource {
	res := executionResource{
		ID:                exec.ID,
		PipelineID:        exec.PipelineID,
		OwnerID:           exec.OwnerID,
		DefinitionVersion: exec.DefinitionVersion,
		Status:            string(exec.Status),
		Steps:             toStepResources(exec.Steps),
		InputData:         exec.InputData,
		OutputData:        exec.OutputData,
		ContextData:       exec.ContextData,
		ErrorMessage:      exec.ErrorMessage,
		StepCursor:        exec.StepCursor,
		CancelRequested:   exec.CancelRequested,
		CreatedAt:         exec.CreatedAt,
		UpdatedAt:         exec.UpdatedAt,
		StartedAt:         exec.StartedAt,
		CompletedAt:       exec.CompletedAt,
	}
	if res.InputData == nil {
		res.InputData = map[string]any{}
	}
	if exec.Status.IsTerminal() && exec.CompletedAt != nil {
		ms := exec.ExecutionTime().Milliseconds()
		res.ExecutionTime = &ms
	}
	return res
}

func toStepOutcomeResource(o domain.StepOutcome) stepOutcomeResource {
	return stepOutcomeResource{
		StepIndex:  o.StepIndex,
		Service:    string(o.Service),
		Action:     o.Action,
		Status:     string(o.Status),
		Attempts:   o.Attempts,
		LatencyMs:  o.Latency.Milliseconds(),
		ResourceID: o.ResourceID,
		Error:      o.Error,
		Output:     o.Output,
		TokensUsed: o.TokensUsed,
		CostMicros: o.CostMicros,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
}

// createPipelineRequest takes the step list either at the top level or
// nested under config, the shape older clients send.
type createPipelineRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Steps       []stepResource         `json:"steps,omitempty"`
	Config      *pipelineConfigRequest `json:"config,omitempty"`
}

type pipelineConfigRequest struct {
	Steps []stepResource `json:"steps"`
}

func (req createPipelineRequest) steps() ([]stepResource, error) {
	if req.Config == nil {
		return req.Steps, nil
	}
	if len(req.Steps) > 0 {
		return nil, domain.NewValidationError("steps", "set either steps or config.steps, not both")
	}
	return req.Config.Steps, nil
}

func (api *pipelinesAPI) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}

	var in definitions.CreateInput
	if isYAML(r.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(r.Body, api.maxBody))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_body")
			return
		}
		in, err = definitions.ParseYAML(body)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
	} else {
		var req createPipelineRequest
		if err := api.decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		steps, err := req.steps()
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		in = definitions.CreateInput{Name: req.Name, Description: req.Description, Steps: fromStepResources(steps)}
	}
	in.OwnerID = owner

	def, err := api.definitions.Create(r.Context(), in)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toPipelineResource(def))
}

func (api *pipelinesAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	status := domain.DefinitionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		api.writeServiceError(w, r, domain.NewValidationError("status", "unknown status %q", status))
		return
	}
	defs, err := api.definitions.List(r.Context(), owner, status)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]pipelineResource, 0, len(defs))
	for _, def := range defs {
		out = append(out, toPipelineResource(def))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (api *pipelinesAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	def, err := api.definitions.Get(r.Context(), owner, r.PathValue("pipeline_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineResource(def))
}

func (api *pipelinesAPI) handleUpdatePipelineSteps(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	var req struct {
		Steps []stepResource `json:"steps"`
	}
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	def, err := api.definitions.UpdateSteps(r.Context(), owner, r.PathValue("pipeline_id"), fromStepResources(req.Steps))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineResource(def))
}

func (api *pipelinesAPI) handleSetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	status := domain.DefinitionStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	def, err := api.definitions.SetStatus(r.Context(), owner, r.PathValue("pipeline_id"), status)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineResource(def))
}

func (api *pipelinesAPI) handleArchivePipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	def, err := api.definitions.Archive(r.Context(), owner, r.PathValue("pipeline_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineResource(def))
}

func (api *pipelinesAPI) handleExecutePipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	var req struct {
		InputData json.RawMessage `json:"inputData"`
	}
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	input, err := decodeInputData(req.InputData)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	exec, err := api.executions.Trigger(r.Context(), executions.TriggerInput{
		OwnerID:        owner,
		PipelineID:     r.PathValue("pipeline_id"),
		InputData:      input,
		IdempotencyKey: r.Header.Get(headerIdemKey),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toExecutionResource(exec))
}

func (api *pipelinesAPI) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	execs, err := api.executions.List(r.Context(), owner, r.PathValue("pipeline_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]executionResource, 0, len(execs))
	for _, exec := range execs {
		out = append(out, toExecutionResource(exec))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (api *pipelinesAPI) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	detail, err := api.executions.Get(r.Context(), owner, r.PathValue("execution_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	res := toExecutionResource(detail.Execution)
	for _, o := range detail.Outcomes {
		res.Outcomes = append(res.Outcomes, toStepOutcomeResource(o))
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

func (api *pipelinesAPI) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	exec, err := api.executions.Cancel(r.Context(), owner, r.PathValue("execution_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toExecutionResource(exec))
}

func (api *pipelinesAPI) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	detail, err := api.executions.Get(r.Context(), owner, r.PathValue("execution_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if api.events == nil {
		api.writeError(w, r, http.StatusNotFound, "events_disabled")
		return
	}
	api.events.Handler(detail.Execution.ID).ServeHTTP(w, r)
}

// decodeInputData accepts a missing inputData as empty and rejects anything
// that is not a JSON object.
func decodeInputData(raw json.RawMessage) (domain.Data, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.Data{}, nil
	}
	if raw[0] != '{' {
		return nil, domain.NewValidationError("inputData", "input must be a JSON object")
	}
	var data domain.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, domain.NewValidationError("inputData", "invalid input: %s", err.Error())
	}
	return data, nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	default:
		return false
	}
}

func (api *pipelinesAPI) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return "", false
	}
	return identity.UserID, true
}

func (api *pipelinesAPI) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, api.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *pipelinesAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	httpserver.WriteError(w, r, status, code, nil)
}

func (api *pipelinesAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *domain.ValidationError
	var transition *domain.TransitionError
	switch {
	case errors.As(err, &validation):
		httpserver.WriteError(w, r, http.StatusBadRequest, "validation_failed", map[string]any{
			"field":   validation.Field,
			"message": validation.Message,
		})
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", map[string]any{"message": err.Error()})
	case errors.As(err, &transition):
		httpserver.WriteError(w, r, http.StatusConflict, "invalid_state_transition", map[string]any{"message": transition.Error()})
	case errors.Is(err, executions.ErrShuttingDown):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down", nil)
	default:
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}
