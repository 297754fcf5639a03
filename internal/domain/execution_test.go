package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from ExecutionStatus
		to   ExecutionStatus
		want bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionCancelled, true},
		{ExecutionPending, ExecutionCompleted, false},
		{ExecutionRunning, ExecutionCompleted, true},
		{ExecutionRunning, ExecutionFailed, true},
		{ExecutionRunning, ExecutionCancelled, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionCompleted, ExecutionCancelled, false},
		{ExecutionFailed, ExecutionRunning, false},
		{ExecutionCancelled, ExecutionCancelled, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, status := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
		exec := PipelineExecution{ID: "e1", Status: status, ErrorMessage: "x"}
		for _, to := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
			got, err := exec.Transition(to, now)
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("%s -> %s: err=%v, want ErrInvalidStateTransition", status, to, err)
			}
			if got.Status != status || got.ErrorMessage != "x" {
				t.Fatalf("%s -> %s: execution changed: %+v", status, to, got)
			}
		}
	}
}

func TestCompleteAndFail_SetExclusiveFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	running := PipelineExecution{
		ID:         "e1",
		PipelineID: "p1",
		OwnerID:    "u1",
		Status:     ExecutionRunning,
		Steps:      []Step{{Service: ServiceASR, Action: "transcribe"}},
		StepCursor: 1,
	}

	completed, err := running.Complete(Data{"transcript": "hi"}, now)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := completed.Validate(); err != nil {
		t.Fatalf("completed invalid: %v", err)
	}
	if completed.CompletedAt == nil || !completed.CompletedAt.Equal(now) {
		t.Fatalf("completed_at=%v, want %v", completed.CompletedAt, now)
	}

	failed, err := running.Fail("step 0 (asr.transcribe) failed", now)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := failed.Validate(); err != nil {
		t.Fatalf("failed invalid: %v", err)
	}
	if failed.OutputData != nil {
		t.Fatalf("failed execution should not carry output")
	}

	blank, err := running.Fail("  ", now)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if blank.ErrorMessage != "internal error" {
		t.Fatalf("error_message=%q, want internal error", blank.ErrorMessage)
	}
}

func TestValidate_OutputOnlyWhenCompleted(t *testing.T) {
	exec := PipelineExecution{
		ID:         "e1",
		PipelineID: "p1",
		OwnerID:    "u1",
		Status:     ExecutionCancelled,
		OutputData: Data{"transcript": "partial"},
	}
	if err := exec.Validate(); err == nil {
		t.Fatalf("expected error for output on cancelled execution")
	}
	exec.OutputData = nil
	exec.ContextData = Data{"transcript": "partial"}
	if err := exec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecutionTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	exec := PipelineExecution{CreatedAt: start.Add(-time.Second), StartedAt: &start, CompletedAt: &end}
	if got := exec.ExecutionTime(); got != 1500*time.Millisecond {
		t.Fatalf("execution time=%s, want 1.5s", got)
	}
	exec.CompletedAt = nil
	if got := exec.ExecutionTime(); got != 0 {
		t.Fatalf("execution time=%s, want 0", got)
	}
}
