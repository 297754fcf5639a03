package executions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/downstream"
	"github.com/animus-labs/mediaflow/internal/execution/invoker"
	"github.com/animus-labs/mediaflow/internal/repo"
	"github.com/animus-labs/mediaflow/internal/repo/memory"
	"github.com/animus-labs/mediaflow/internal/service/definitions"
	"github.com/animus-labs/mediaflow/internal/service/usage"
)

const owner = "user-1"

type handler func(ctx context.Context, call downstream.Call) (downstream.Result, error)

type fakeServices struct {
	mu       sync.Mutex
	calls    map[domain.ServiceKind]int
	handlers map[domain.ServiceKind]handler
}

func newFakeServices() *fakeServices {
	return &fakeServices{calls: map[domain.ServiceKind]int{}, handlers: map[domain.ServiceKind]handler{}}
}

func (f *fakeServices) handle(service domain.ServiceKind, h handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[service] = h
}

func (f *fakeServices) count(service domain.ServiceKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[service]
}

func (f *fakeServices) Call(ctx context.Context, call downstream.Call) (downstream.Result, error) {
	f.mu.Lock()
	f.calls[call.Step.Service]++
	h := f.handlers[call.Step.Service]
	f.mu.Unlock()
	if h != nil {
		return h(ctx, call)
	}
	return defaultResult(call), nil
}

func defaultResult(call downstream.Call) downstream.Result {
	switch call.Step.Service {
	case domain.ServiceASR:
		return downstream.Result{
			Output:     domain.Data{"transcript": "hello", "transcriptionId": "tr-1", "language": "en"},
			ResourceID: "tr-1",
		}
	case domain.ServiceLLM:
		return downstream.Result{
			Output:     domain.Data{"completion": "hi there", "conversationId": "conv-1", "messageId": "msg-1", "tokens": int64(12)},
			ResourceID: "conv-1",
			TokensUsed: 12,
		}
	case domain.ServiceTTS:
		return downstream.Result{
			Output:     domain.Data{"speechUrl": "https://x/s.wav", "synthesisId": "syn-1"},
			ResourceID: "syn-1",
		}
	default:
		return downstream.Result{
			Output:     domain.Data{"processedAudioUrl": "https://x/p.wav", "audioPostId": "ap-1"},
			ResourceID: "ap-1",
		}
	}
}

type harness struct {
	store    *memory.Store
	coord    *Coordinator
	defs     *definitions.Service
	services *fakeServices
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.New()
	services := newFakeServices()
	inv, err := invoker.New(services, invoker.Config{Policy: invoker.DefaultPolicy()}, invoker.Options{
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err != nil {
		t.Fatalf("invoker.New: %v", err)
	}
	coord, err := New(Stores{
		Definitions: store.Definitions(),
		Executions:  store.Executions(),
		Outcomes:    store.Outcomes(),
	}, inv, usage.NewRecorder(store.Usage(), nil, nil), cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{store: store, coord: coord, defs: definitions.New(store.Definitions(), nil), services: services}
}

func (h *harness) voicePipeline(t *testing.T) domain.PipelineDefinition {
	t.Helper()
	def, err := h.defs.Create(context.Background(), definitions.CreateInput{
		OwnerID: owner,
		Name:    "voice-reply",
		Steps: []domain.Step{
			{Service: domain.ServiceASR, Action: "transcribe"},
			{Service: domain.ServiceLLM, Action: "chat"},
			{Service: domain.ServiceTTS, Action: "synthesize"},
		},
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return def
}

func (h *harness) trigger(t *testing.T, pipelineID string) domain.PipelineExecution {
	t.Helper()
	exec, err := h.coord.Trigger(context.Background(), TriggerInput{
		OwnerID:    owner,
		PipelineID: pipelineID,
		InputData:  domain.Data{"audioUrl": "https://x/a.wav"},
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if exec.Status != domain.ExecutionPending {
		t.Fatalf("trigger returned status %s", exec.Status)
	}
	return exec
}

func (h *harness) waitTerminal(t *testing.T, id string) ExecutionDetail {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		detail, err := h.coord.Get(context.Background(), owner, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if detail.Execution.Status.IsTerminal() {
			return detail
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", id)
	return ExecutionDetail{}
}

func (h *harness) requests(t *testing.T, service domain.ServiceKind) int64 {
	t.Helper()
	metric, err := h.store.Usage().Get(context.Background(), owner, service, domain.UsageDate(time.Now()))
	if errors.Is(err, repo.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("usage Get: %v", err)
	}
	return metric.RequestCount
}

func assertInvariants(t *testing.T, exec domain.PipelineExecution) {
	t.Helper()
	if err := exec.Validate(); err != nil {
		t.Fatalf("invariant violated: %v (%+v)", err, exec)
	}
}

func TestThreeStepPipelineCompletes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	got := detail.Execution
	if got.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	assertInvariants(t, got)
	for _, field := range []string{"audioUrl", "transcript", "completion", "speechUrl"} {
		if _, ok := got.OutputData[field]; !ok {
			t.Fatalf("output missing %q: %+v", field, got.OutputData)
		}
	}
	if got.StepCursor != 3 || got.CompletedAt == nil || got.StartedAt == nil {
		t.Fatalf("unexpected progress fields: %+v", got)
	}
	if len(detail.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(detail.Outcomes))
	}
	for i, o := range detail.Outcomes {
		if o.StepIndex != i || o.Status != domain.StepSucceeded || o.Attempts != 1 {
			t.Fatalf("unexpected outcome %d: %+v", i, o)
		}
	}
	if detail.Outcomes[0].ResourceID != "tr-1" {
		t.Fatalf("resource id not recorded: %+v", detail.Outcomes[0])
	}
	for _, service := range []domain.ServiceKind{domain.ServiceASR, domain.ServiceLLM, domain.ServiceTTS} {
		if n := h.requests(t, service); n != 1 {
			t.Fatalf("%s usage = %d, want 1", service, n)
		}
	}
}

func TestLLMServerErrorsFailExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.services.handle(domain.ServiceLLM, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		return downstream.Result{}, &downstream.Error{Service: domain.ServiceLLM, Action: call.Step.Action, StatusCode: 503, Message: "model overloaded", Transient: true}
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	got := detail.Execution
	if got.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s", got.Status)
	}
	assertInvariants(t, got)
	if !strings.Contains(got.ErrorMessage, "step 1 (llm.chat)") || !strings.Contains(got.ErrorMessage, "model overloaded") {
		t.Fatalf("error message does not name the llm step: %q", got.ErrorMessage)
	}
	if h.services.count(domain.ServiceLLM) != 3 {
		t.Fatalf("llm calls = %d, want 3", h.services.count(domain.ServiceLLM))
	}
	if h.services.count(domain.ServiceTTS) != 0 {
		t.Fatalf("tts dispatched after failure")
	}
	if len(detail.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(detail.Outcomes))
	}
	if o := detail.Outcomes[1]; o.Status != domain.StepFailed || o.Attempts != 3 {
		t.Fatalf("unexpected llm outcome: %+v", o)
	}
	if h.requests(t, domain.ServiceASR) != 1 || h.requests(t, domain.ServiceLLM) != 0 || h.requests(t, domain.ServiceTTS) != 0 {
		t.Fatalf("unexpected usage asr=%d llm=%d tts=%d",
			h.requests(t, domain.ServiceASR), h.requests(t, domain.ServiceLLM), h.requests(t, domain.ServiceTTS))
	}
	if got.ContextData["transcript"] != "hello" {
		t.Fatalf("partial results not retained: %+v", got.ContextData)
	}
}

func TestTransientRetryCountsUsageOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var mu sync.Mutex
	attempts := 0
	h.services.handle(domain.ServiceLLM, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return downstream.Result{}, &downstream.Error{Service: domain.ServiceLLM, Action: call.Step.Action, StatusCode: 502, Message: "bad gateway", Transient: true}
		}
		return defaultResult(call), nil
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s (%s)", detail.Execution.Status, detail.Execution.ErrorMessage)
	}
	if h.services.count(domain.ServiceLLM) != 2 {
		t.Fatalf("llm calls = %d, want 2", h.services.count(domain.ServiceLLM))
	}
	if o := detail.Outcomes[1]; o.Status != domain.StepSucceeded || o.Attempts != 2 {
		t.Fatalf("unexpected llm outcome: %+v", o)
	}
	if n := h.requests(t, domain.ServiceLLM); n != 1 {
		t.Fatalf("llm usage = %d, want 1", n)
	}
	metric, err := h.store.Usage().Get(context.Background(), owner, domain.ServiceLLM, domain.UsageDate(time.Now()))
	if err != nil {
		t.Fatalf("usage Get: %v", err)
	}
	if metric.TokenCount != 12 {
		t.Fatalf("llm tokens = %d, want 12", metric.TokenCount)
	}
}

func TestClientErrorFailsFast(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		return downstream.Result{}, &downstream.Error{Service: domain.ServiceASR, Action: call.Step.Action, StatusCode: 400, Message: "unsupported audio"}
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s", detail.Execution.Status)
	}
	if len(detail.Outcomes) != 1 || detail.Outcomes[0].Attempts != 1 {
		t.Fatalf("unexpected outcomes: %+v", detail.Outcomes)
	}
	if h.services.count(domain.ServiceLLM) != 0 || h.services.count(domain.ServiceTTS) != 0 {
		t.Fatalf("later steps dispatched")
	}
}

func TestCancelWhileFirstStepInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return defaultResult(call), nil
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	<-started
	cancelled, err := h.coord.Cancel(context.Background(), owner, exec.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.ExecutionRunning || !cancelled.CancelRequested {
		t.Fatalf("running cancel must flag the execution: %+v", cancelled)
	}
	close(release)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionCancelled {
		t.Fatalf("status = %s", detail.Execution.Status)
	}
	assertInvariants(t, detail.Execution)
	if len(detail.Outcomes) != 1 || detail.Outcomes[0].Status != domain.StepSucceeded {
		t.Fatalf("step 1 outcome must be recorded: %+v", detail.Outcomes)
	}
	if h.services.count(domain.ServiceLLM) != 0 {
		t.Fatalf("step 2 dispatched after cancel")
	}
	if detail.Execution.ContextData["transcript"] != "hello" {
		t.Fatalf("partial output not retained: %+v", detail.Execution.ContextData)
	}
}

func TestCancelCompletedIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)
	done := h.waitTerminal(t, exec.ID).Execution

	again, err := h.coord.Cancel(context.Background(), owner, exec.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if again.Status != domain.ExecutionCompleted || again.Version != done.Version || again.CancelRequested {
		t.Fatalf("cancel changed a completed execution: %+v", again)
	}
}

func TestCancelPendingExecution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return defaultResult(call), nil
	})
	def := h.voicePipeline(t)
	first := h.trigger(t, def.ID)
	<-started
	second := h.trigger(t, def.ID)

	cancelled, err := h.coord.Cancel(context.Background(), owner, second.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.ExecutionCancelled {
		t.Fatalf("pending cancel status = %s", cancelled.Status)
	}
	close(release)

	if got := h.waitTerminal(t, first.ID).Execution.Status; got != domain.ExecutionCompleted {
		t.Fatalf("first status = %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	detail, err := h.coord.Get(context.Background(), owner, second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.Execution.Status != domain.ExecutionCancelled || len(detail.Outcomes) != 0 {
		t.Fatalf("cancelled pending execution ran: %+v outcomes=%d", detail.Execution, len(detail.Outcomes))
	}
}

func TestExecutionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		<-ctx.Done()
		return downstream.Result{}, &downstream.Error{Service: domain.ServiceASR, Action: call.Step.Action, Message: "timeout", Transient: true, Err: ctx.Err()}
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s", detail.Execution.Status)
	}
	if !strings.HasPrefix(detail.Execution.ErrorMessage, "execution timeout exceeded") {
		t.Fatalf("error message = %q", detail.Execution.ErrorMessage)
	}
	if h.services.count(domain.ServiceLLM) != 0 {
		t.Fatalf("step dispatched after timeout")
	}
}

func TestPanicMarksExecutionFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.services.handle(domain.ServiceLLM, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		panic("boom")
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionFailed || detail.Execution.ErrorMessage != "internal error" {
		t.Fatalf("unexpected execution: %+v", detail.Execution)
	}
	assertInvariants(t, detail.Execution)
}

func TestTriggerValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	ctx := context.Background()

	_, err := h.coord.Trigger(ctx, TriggerInput{OwnerID: "someone-else", PipelineID: def.ID, InputData: domain.Data{"audioUrl": "https://x/a.wav"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("other owner: expected not found, got %v", err)
	}

	_, err = h.coord.Trigger(ctx, TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{}})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "inputData.audioUrl" {
		t.Fatalf("missing input: expected validation error, got %v", err)
	}

	if _, err := h.defs.SetStatus(ctx, owner, def.ID, domain.DefinitionInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, err = h.coord.Trigger(ctx, TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"audioUrl": "https://x/a.wav"}})
	if !errors.As(err, &ve) || ve.Field != "status" {
		t.Fatalf("inactive pipeline: expected status validation error, got %v", err)
	}
}

func TestTriggerValidatesPromptFields(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	def, err := h.defs.Create(ctx, definitions.CreateInput{
		OwnerID: owner,
		Name:    "summarize",
		Steps:   []domain.Step{{Service: domain.ServiceLLM, Config: json.RawMessage(`{"prompt":"Summarize: {{summary}}"}`)}},
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}

	_, err = h.coord.Trigger(ctx, TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"transcript": "hello"}})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "inputData.summary" {
		t.Fatalf("expected validation error on inputData.summary, got %v", err)
	}

	if _, err := h.coord.Trigger(ctx, TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"summary": "notes"}}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
}

func TestTriggerIdempotencyKey(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	ctx := context.Background()
	in := TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"audioUrl": "https://x/a.wav"}, IdempotencyKey: "req-1"}

	first, err := h.coord.Trigger(ctx, in)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	second, err := h.coord.Trigger(ctx, in)
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("idempotent trigger created a second execution")
	}
	h.waitTerminal(t, first.ID)
	if n := h.services.count(domain.ServiceASR); n != 1 {
		t.Fatalf("asr calls = %d, want 1", n)
	}
}

func TestExecutionKeepsStepSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return defaultResult(call), nil
	})
	exec := h.trigger(t, def.ID)
	<-started

	if _, err := h.defs.UpdateSteps(context.Background(), owner, def.ID, []domain.Step{{Service: domain.ServiceASR}}); err != nil {
		t.Fatalf("UpdateSteps: %v", err)
	}
	close(release)

	detail := h.waitTerminal(t, exec.ID)
	if detail.Execution.Status != domain.ExecutionCompleted || len(detail.Outcomes) != 3 {
		t.Fatalf("edit leaked into running execution: %+v outcomes=%d", detail.Execution, len(detail.Outcomes))
	}
	if detail.Execution.DefinitionVersion != 1 {
		t.Fatalf("definition version = %d", detail.Execution.DefinitionVersion)
	}
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	now := time.Now().UTC()
	base := domain.PipelineExecution{
		PipelineID: "p1",
		OwnerID:    owner,
		Steps:      []domain.Step{{Service: domain.ServiceASR, Action: "transcribe"}},
		InputData:  domain.Data{"audioUrl": "https://x/a.wav"},
	}
	pending := base
	pending.Status = domain.ExecutionPending
	running := base
	running.Status = domain.ExecutionRunning
	running.StartedAt = &now
	done := base
	done.Status = domain.ExecutionCompleted
	done.OutputData = domain.Data{"transcript": "x"}
	done.CompletedAt = &now

	ids := map[domain.ExecutionStatus]string{}
	for _, e := range []domain.PipelineExecution{pending, running, done} {
		created, err := h.store.Executions().Create(ctx, e)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids[e.Status] = created.ID
	}

	n, err := h.coord.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	for _, status := range []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning} {
		got, err := h.store.Executions().Get(ctx, ids[status])
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.ExecutionFailed || got.ErrorMessage != "interrupted: engine restarted" {
			t.Fatalf("orphan %s not failed: %+v", status, got)
		}
	}
	got, err := h.store.Executions().Get(ctx, ids[domain.ExecutionCompleted])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.ExecutionCompleted {
		t.Fatalf("completed execution touched: %+v", got)
	}
}

func TestShutdownInterruptsRunningExecutions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	started := make(chan struct{})
	var once sync.Once
	h.services.handle(domain.ServiceASR, func(ctx context.Context, call downstream.Call) (downstream.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return downstream.Result{}, &downstream.Error{Service: domain.ServiceASR, Action: call.Step.Action, Message: "call cancelled", Err: ctx.Err()}
	})
	def := h.voicePipeline(t)
	exec := h.trigger(t, def.ID)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.coord.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v", err)
	}
	got, err := h.store.Executions().Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.ExecutionFailed || got.ErrorMessage != "interrupted: engine shutting down" {
		t.Fatalf("unexpected execution after shutdown: %+v", got)
	}

	_, err = h.coord.Trigger(context.Background(), TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"audioUrl": "https://x/a.wav"}})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("trigger after shutdown: %v", err)
	}
}

func TestTriggersRacingShutdownAllFinish(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := h.coord.Trigger(context.Background(), TriggerInput{OwnerID: owner, PipelineID: def.ID, InputData: domain.Data{"audioUrl": "https://x/a.wav"}})
			if errors.Is(err, ErrShuttingDown) {
				return
			}
			if err != nil {
				t.Errorf("Trigger: %v", err)
				return
			}
			mu.Lock()
			accepted = append(accepted, exec.ID)
			mu.Unlock()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	for _, id := range accepted {
		got, err := h.store.Executions().Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Status.IsTerminal() {
			t.Fatalf("execution %s left %s after shutdown", id, got.Status)
		}
	}
}

func TestListExecutions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	def := h.voicePipeline(t)
	a := h.trigger(t, def.ID)
	b := h.trigger(t, def.ID)
	h.waitTerminal(t, a.ID)
	h.waitTerminal(t, b.ID)

	execs, err := h.coord.List(context.Background(), owner, def.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("listed %d executions, want 2", len(execs))
	}
	if _, err := h.coord.List(context.Background(), "someone-else", def.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("other owner: expected not found, got %v", err)
	}
}
