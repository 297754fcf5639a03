package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestSignature_Verify(t *testing.T) {
	sig, err := ComputeSignature("secret", "1700000000", "post", "/pipelines", "u1", "u1@example.test")
	if err != nil {
		t.Fatalf("ComputeSignature: %v", err)
	}
	if err := VerifySignature("secret", "1700000000", "POST", "/pipelines", "u1", "u1@example.test", sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature("secret", "1700000000", "POST", "/pipelines", "u2", "u1@example.test", sig); err == nil {
		t.Fatalf("expected verification to fail for another user")
	}
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	if err := VerifyTimestamp("1700000100", now, 5*time.Minute); err != nil {
		t.Fatalf("VerifyTimestamp: %v", err)
	}
	if err := VerifyTimestamp("1690000000", now, 5*time.Minute); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
	if err := VerifyTimestamp("abc", now, 5*time.Minute); err == nil {
		t.Fatalf("expected malformed timestamp to be rejected")
	}
}

func TestGatewayHeadersAuthenticator_Trusted(t *testing.T) {
	authn := NewGatewayHeadersAuthenticator("")
	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	if _, err := authn.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want ErrUnauthenticated", err)
	}
	req.Header.Set(HeaderUserID, " u1 ")
	identity, err := authn.Authenticate(context.Background(), req)
	if err != nil || identity.UserID != "u1" {
		t.Fatalf("identity=%+v err=%v", identity, err)
	}
}

func TestGatewayHeadersAuthenticator_Signed(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	authn := NewGatewayHeadersAuthenticator("secret")
	authn.Now = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeSignature("secret", ts, http.MethodPost, "/pipelines/p1/execute", "u1", "")
	if err != nil {
		t.Fatalf("ComputeSignature: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/pipelines/p1/execute", nil)
	req.Header.Set(HeaderUserID, "u1")
	if _, err := authn.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unsigned request: err=%v, want ErrUnauthenticated", err)
	}
	req.Header.Set(HeaderAuthTimestamp, ts)
	req.Header.Set(HeaderAuthSignature, sig)
	if _, err := authn.Authenticate(context.Background(), req); err != nil {
		t.Fatalf("signed request: %v", err)
	}
	req.Header.Set(HeaderUserID, "u2")
	if _, err := authn.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("expected tampered user id to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	var got Identity
	h := Middleware{
		Authenticator: NewGatewayHeadersAuthenticator(""),
		SkipPrefixes:  []string{"/health"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skip prefix: status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "unauthorized" || body["request_id"] != "rid-1" {
		t.Fatalf("body=%v", body)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	req.Header.Set(HeaderUserID, "u1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.UserID != "u1" {
		t.Fatalf("status=%d identity=%+v", rec.Code, got)
	}
}
