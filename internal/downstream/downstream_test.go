package downstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/execution/pipectx"
)

func newCall(t *testing.T, service domain.ServiceKind, config string, input domain.Data) Call {
	t.Helper()
	step := domain.Step{Service: service, Action: service.DefaultAction()}
	if config != "" {
		step.Config = json.RawMessage(config)
	}
	cfg, err := domain.DecodeStepConfig(step)
	require.NoError(t, err)
	return Call{
		ExecutionID:    "exec-1",
		StepIndex:      0,
		Step:           step,
		Config:         cfg,
		Input:          pipectx.New(input),
		IdempotencyKey: "key-1",
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestASR_PollsUntilCompleted(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/transcribe":
			assert.Equal(t, "key-1", r.Header.Get(IdempotencyKeyHeader))
			var req transcribeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://x/a.wav", req.AudioURL)
			assert.Equal(t, "en", req.Language)
			writeJSON(w, http.StatusCreated, map[string]any{"id": "tr-1", "status": "pending", "audioUrl": req.AudioURL})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/transcribe/tr-1":
			if polls.Add(1) < 2 {
				writeJSON(w, http.StatusOK, map[string]any{"id": "tr-1", "status": "processing"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"id":             "tr-1",
				"status":         "completed",
				"transcriptText": "hello world",
				"duration":       2.5,
				"confidence":     0.9,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewASR(srv.URL, srv.Client(), time.Millisecond)
	res, err := client.Call(context.Background(), newCall(t, domain.ServiceASR, "", domain.Data{"audioUrl": "https://x/a.wav"}))
	require.NoError(t, err)

	assert.Equal(t, "tr-1", res.ResourceID)
	assert.Equal(t, "hello world", res.Output["transcript"])
	assert.Equal(t, "tr-1", res.Output["transcriptionId"])
	assert.Equal(t, "en", res.Output["language"])
	assert.Equal(t, 0.9, res.Output["confidence"])
	assert.Equal(t, 2.5, res.Output["audioDuration"])
	assert.Equal(t, int32(2), polls.Load())
}

func TestASR_FailedJobIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "tr-1", "status": "failed", "errorMessage": "unsupported codec"})
	}))
	defer srv.Close()

	client := NewASR(srv.URL, srv.Client(), time.Millisecond)
	_, err := client.Call(context.Background(), newCall(t, domain.ServiceASR, "", domain.Data{"audioUrl": "https://x/a.wav"}))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "unsupported codec")
}

func TestLLM_TwoCallFlow(t *testing.T) {
	var mu sync.Mutex
	keys := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[r.URL.Path] = r.Header.Get(IdempotencyKeyHeader)
		mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/conversations":
			var req conversationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, domain.DefaultLLMModel, req.Model)
			assert.Equal(t, "be brief", req.SystemPrompt)
			writeJSON(w, http.StatusCreated, map[string]any{"id": "conv-1"})
		case "/api/v1/conversations/conv-1/messages":
			var req messageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "user", req.Role)
			assert.Equal(t, "Summarize: hello world", req.Content)
			writeJSON(w, http.StatusCreated, map[string]any{"id": "msg-1", "role": "assistant", "content": "hi", "tokens": 42})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	call := newCall(t, domain.ServiceLLM, `{"systemPrompt":"be brief","prompt":"Summarize: {{transcript}}"}`, domain.Data{"transcript": "hello world"})
	res, err := NewLLM(srv.URL, srv.Client()).Call(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, "hi", res.Output["completion"])
	assert.Equal(t, "conv-1", res.Output["conversationId"])
	assert.Equal(t, "msg-1", res.Output["messageId"])
	assert.Equal(t, int64(42), res.TokensUsed)
	assert.Equal(t, "key-1:conversation", keys["/api/v1/conversations"])
	assert.Equal(t, "key-1:message", keys["/api/v1/conversations/conv-1/messages"])
}

func TestLLM_UnresolvedPromptFieldIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	call := newCall(t, domain.ServiceLLM, `{"prompt":"Summarize: {{summary}}"}`, domain.Data{"transcript": "hello world"})
	_, err := NewLLM(srv.URL, srv.Client()).Call(context.Background(), call)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputMissing))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), `"summary"`)
}

func TestLLM_MissingInputIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	_, err := NewLLM(srv.URL, srv.Client()).Call(context.Background(), newCall(t, domain.ServiceLLM, "", domain.Data{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputMissing))
	assert.False(t, IsTransient(err))
}

type fakeArtifacts struct {
	key         string
	contentType string
	data        []byte
}

func (f *fakeArtifacts) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	f.key, f.contentType, f.data = key, contentType, data
	return "https://minio.local/" + key, nil
}

func TestTTS_OffloadsInlineAudio(t *testing.T) {
	audio := []byte("RIFF....WAVE")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req synthesizeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hi", req.Text)
			assert.Equal(t, "alloy", req.Voice)
			writeJSON(w, http.StatusCreated, map[string]any{"id": "syn-1", "status": "processing"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"id":           "syn-1",
				"status":       "completed",
				"audioContent": base64.StdEncoding.EncodeToString(audio),
				"format":       "mp3",
				"duration":     1.25,
			})
		}
	}))
	defer srv.Close()

	store := &fakeArtifacts{}
	call := newCall(t, domain.ServiceTTS, `{"voice":"alloy"}`, domain.Data{"completion": "hi"})
	call.StepIndex = 2
	res, err := NewTTS(srv.URL, srv.Client(), time.Millisecond, store).Call(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, "executions/exec-1/step-2.mp3", store.key)
	assert.Equal(t, "audio/mp3", store.contentType)
	assert.Equal(t, audio, store.data)
	assert.Equal(t, "https://minio.local/executions/exec-1/step-2.mp3", res.Output["speechUrl"])
	assert.Equal(t, "syn-1", res.Output["synthesisId"])
	assert.Equal(t, 1.25, res.Output["speechDuration"])
}

func TestTTS_InlineAudioWithoutStoreFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "syn-1", "status": "completed", "audioContent": "AAAA"})
	}))
	defer srv.Close()

	call := newCall(t, domain.ServiceTTS, `{"voice":"alloy"}`, domain.Data{"completion": "hi"})
	_, err := NewTTS(srv.URL, srv.Client(), time.Millisecond, nil).Call(context.Background(), call)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestTTS_DefaultVoiceWhenUnset(t *testing.T) {
	voices := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		voices <- req.Voice
		writeJSON(w, http.StatusCreated, map[string]any{"id": "syn-1", "status": "completed", "audioUrl": "https://x/s.mp3"})
	}))
	defer srv.Close()

	call := newCall(t, domain.ServiceTTS, "", domain.Data{"completion": "hi"})
	_, err := NewTTS(srv.URL, srv.Client(), time.Millisecond, nil).Call(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultVoice, <-voices)

	_, err = NewTTS(srv.URL, srv.Client(), time.Millisecond, nil).WithDefaultVoice("nova").Call(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "nova", <-voices)
}

func TestOversizedResponseIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":           "syn-1",
			"status":       "completed",
			"audioContent": base64.StdEncoding.EncodeToString(make([]byte, 256)),
		})
	}))
	defer srv.Close()

	client := NewTTS(srv.URL, srv.Client(), time.Millisecond, &fakeArtifacts{})
	client.endpoint.maxBody = 64
	_, err := client.Call(context.Background(), newCall(t, domain.ServiceTTS, "", domain.Data{"completion": "hi"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response exceeds 64 bytes")
	assert.False(t, IsTransient(err))
}

func TestAudioPost_SynchronousResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "normalize", req.Operation)
		assert.Equal(t, "https://x/s.wav", req.AudioURL)
		assert.Equal(t, 16000, req.SampleRate)
		writeJSON(w, http.StatusOK, map[string]any{"id": "ap-1", "status": "completed", "processedAudioUrl": "https://x/p.wav"})
	}))
	defer srv.Close()

	step := domain.Step{Service: domain.ServiceAudioPost, Action: "normalize", Config: json.RawMessage(`{"sampleRate":16000}`)}
	cfg, err := domain.DecodeStepConfig(step)
	require.NoError(t, err)
	call := Call{ExecutionID: "exec-1", Step: step, Config: cfg, Input: pipectx.New(domain.Data{"speechUrl": "https://x/s.wav"})}

	res, err := NewAudioPost(srv.URL, srv.Client(), time.Millisecond, nil).Call(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "https://x/p.wav", res.Output["processedAudioUrl"])
	assert.Equal(t, "ap-1", res.Output["audioPostId"])
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
		message   string
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: `{"error":"overloaded"}`, transient: true, message: "overloaded"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"audioUrl is invalid"}`, transient: false, message: "audioUrl is invalid"},
		{name: "too many requests", status: http.StatusTooManyRequests, body: `slow down`, transient: false, message: "slow down"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewASR(srv.URL, srv.Client(), time.Millisecond).Call(context.Background(), newCall(t, domain.ServiceASR, "", domain.Data{"audioUrl": "https://x/a.wav"}))
			var de *Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tc.status, de.StatusCode)
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.Equal(t, tc.message, de.Message)
			assert.Contains(t, err.Error(), "asr.transcribe")
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewASR(srv.URL, srv.Client(), time.Millisecond).Call(ctx, newCall(t, domain.ServiceASR, "", domain.Data{"audioUrl": "https://x/a.wav"}))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, IsTimeout(err))
}

func TestCancelledCallIsNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewASR("http://127.0.0.1:1", nil, time.Millisecond).Call(ctx, newCall(t, domain.ServiceASR, "", domain.Data{"audioUrl": "https://x/a.wav"}))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestRegistry_UnknownService(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Call(context.Background(), Call{Step: domain.Step{Service: domain.ServiceASR, Action: "transcribe"}})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		ASR:          Endpoint{BaseURL: "http://asr:8001", Timeout: time.Second},
		LLM:          Endpoint{BaseURL: "http://llm:8003", Timeout: time.Second},
		TTS:          Endpoint{BaseURL: "http://tts:8002", Timeout: time.Second},
		AudioPost:    Endpoint{BaseURL: "http://post:8005", Timeout: time.Second},
		PollInterval: time.Second,

		TTSDefaultVoice: "alloy",
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.TTSDefaultVoice = " "
	require.Error(t, bad.Validate())

	bad = valid
	bad.LLM.BaseURL = "ftp://llm"
	require.Error(t, bad.Validate())

	bad = valid
	bad.TTS.Timeout = 0
	require.Error(t, bad.Validate())

	bad = valid
	bad.OAuth = OAuthConfig{TokenURL: "https://idp/token"}
	require.Error(t, bad.Validate())

	assert.Equal(t, time.Second, valid.Timeouts()[domain.ServiceLLM])
}
