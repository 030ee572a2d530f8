package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsync/opsync/internal/store"
	syncengine "github.com/opsync/opsync/internal/sync"
)

const testSecret = "test-secret"

// TestHarness wraps a full Server with a real HTTP listener.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *store.Store
	Svc     *syncengine.Service
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

// newTestHarness builds a server over an in-memory store.
func newTestHarness(t *testing.T, opts ...func(*Config)) *TestHarness {
	t.Helper()

	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := Config{
		ListenAddr:       ":0",
		JWTSecret:        testSecret,
		MaxBodyBytes:     32 << 20,
		MaxOpsPerUpload:  100,
		UploadsPerMinute: 100000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := syncengine.New(st, cfg.EngineConfig(), logger)
	srv := NewServer(cfg, st, svc)
	httpSrv := httptest.NewServer(srv.routes())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   st,
		Svc:     svc,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}
	t.Cleanup(func() {
		httpSrv.Close()
		st.Close()
	})
	return h
}

// Token mints a valid bearer token for userID.
func (h *TestHarness) Token(userID string) string {
	h.t.Helper()
	token, err := MintToken(testSecret, userID, time.Hour)
	if err != nil {
		h.t.Fatalf("mint token: %v", err)
	}
	return token
}

// Do sends a request; callers close resp.Body unless they use ReadJSON
// or AssertStatus, which close it.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.BaseURL+path, &buf)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ReadJSON asserts the status code and decodes the body into out.
func (h *TestHarness) ReadJSON(resp *http.Response, wantStatus int, out any) {
	h.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			h.t.Fatalf("decode body %q: %v", raw, err)
		}
	}
}

// AssertStatus asserts the status code and, for errors, the error code.
func (h *TestHarness) AssertStatus(resp *http.Response, wantStatus int, wantCode string) {
	h.t.Helper()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, raw)
	}
	if wantCode == "" {
		return
	}
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		h.t.Fatalf("decode error body %q: %v", raw, err)
	}
	if er.Error.Code != wantCode {
		h.t.Fatalf("error code = %q, want %q", er.Error.Code, wantCode)
	}
}
