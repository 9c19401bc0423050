package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	manager "github.com/codexmgr/codexmgr/internal"
	"github.com/codexmgr/codexmgr/internal/app"
	"github.com/codexmgr/codexmgr/internal/routing"
	"github.com/codexmgr/codexmgr/internal/testutil"
)

const testProxyKey = "sk-test-proxy"

// stubUsage satisfies app.UsageFetcher with canned responses.
type stubUsage struct{}

func (stubUsage) FetchSnapshot(_ context.Context, a *manager.Account) *manager.UsageSnapshot {
	snap := manager.NewUsageSnapshot(a.ID)
	return &snap
}

func (stubUsage) ValidateKey(_ context.Context, apiKey, _ string) manager.ValidationResult {
	if apiKey == "sk-valid" {
		return manager.ValidationResult{Valid: true, OrgID: "org-x"}
	}
	return manager.ValidationResult{Error: "401: invalid"}
}

func newTestManager(t *testing.T) *app.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := routing.NewEngine(routing.StrategyLeastUtilized, routing.DefaultCircuitConfig(), logger)
	if err != nil {
		t.Fatal(err)
	}
	return app.NewManager(testutil.NewFakeStore(), engine, stubUsage{}, logger)
}

func newTestHandler(t *testing.T, mgr *app.Manager, baseURL string) http.Handler {
	t.Helper()
	return New(Deps{
		Manager: mgr,
		BaseURL: baseURL,
		APIKey:  testProxyKey,
		Version: "test",
	})
}

func addAccount(t *testing.T, mgr *app.Manager, label string) *manager.Account {
	t.Helper()
	a, err := mgr.AddAccount(context.Background(), manager.CreateAccountRequest{
		Label:  label,
		APIKey: "sk-" + label,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func authedRequest(method, path, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+testProxyKey)
	return r
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestManager(t), "http://unused")

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong key", "Bearer sk-wrong"},
		{"not bearer", "Basic abc"},
	} {
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, w.Code)
		}
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	h := newTestHandler(t, mgr, "http://unused")

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		var resp healthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "degraded" {
			t.Errorf("status = %q, want degraded with no accounts", resp.Status)
		}
	}

	addAccount(t, mgr, "up")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok with an available account", resp.Status)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestManager(t), "http://unused")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodGet, "/v1/models", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list modelList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 8 {
		t.Errorf("model count = %d, want 8", len(list.Data))
	}
	if list.Object != "list" {
		t.Errorf("object = %q", list.Object)
	}
}

func TestProxyForwardsWithCredential(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotOrg, gotMethod string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("OpenAI-Organization")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1"}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	if _, err := mgr.AddAccount(context.Background(), manager.CreateAccountRequest{
		Label:  "acct",
		APIKey: "sk-upstream-cred",
		OrgID:  "org-up",
	}); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, mgr, upstream.URL)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q", gotMethod)
	}
	if gotAuth != "Bearer sk-upstream-cred" {
		t.Errorf("upstream auth = %q, want the account credential", gotAuth)
	}
	if gotOrg != "org-up" {
		t.Errorf("upstream org = %q", gotOrg)
	}
	if string(gotBody) != body {
		t.Error("body was not forwarded verbatim")
	}
	if !strings.Contains(w.Body.String(), "chatcmpl-1") {
		t.Error("response not relayed")
	}
}

func TestProxyCatchAllForcesPost(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "any")
	h := newTestHandler(t, mgr, upstream.URL)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodGet, "/v1/moderations", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if gotPath != "/v1/moderations" {
		t.Errorf("upstream path = %q", gotPath)
	}
}

func TestProxyMalformedBody(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	addAccount(t, mgr, "a")
	h := newTestHandler(t, mgr, "http://unused")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", `{"model": broken`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestProxyNoAccount(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestManager(t), "http://unused")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestProxyRelaysUpstreamErrorVerbatim(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "limited")
	h := newTestHandler(t, mgr, upstream.URL)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 relayed", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate limited") {
		t.Error("upstream error body not relayed")
	}
}

func TestProxyTransportFailure(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	addAccount(t, mgr, "dead")
	// Closed server: connection refused.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	h := newTestHandler(t, mgr, deadURL)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestRepeatedServerErrorsOpenCircuit(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "failing")
	h := newTestHandler(t, mgr, upstream.URL)

	body := `{"model":"gpt-4"}`
	for i := range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", body))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: status = %d, want relayed 500", i+1, w.Code)
		}
	}

	// Breaker is now open: the fourth request finds no candidate.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", body))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("fourth request status = %d, want 503 (circuit open)", w.Code)
	}
}

func TestProxyStreamsSSE(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"delta\":\"hel\"}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "streamer")
	h := newTestHandler(t, mgr, upstream.URL)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q", cc)
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Error("stream not relayed to completion")
	}
}

func TestProxyEmptyBodyDefaults(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "d")
	h := newTestHandler(t, mgr, upstream.URL)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if string(gotBody) != "{}" {
		t.Errorf("forwarded body = %q, want {}", gotBody)
	}
}

func TestStickySessionsPinAccounts(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	mgr := newTestManager(t)
	addAccount(t, mgr, "s1")
	addAccount(t, mgr, "s2")
	if err := mgr.SetStrategy("sticky"); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, mgr, upstream.URL)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"same conversation"}]}`
	for range 2 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/chat/completions", body))
		if w.Code != http.StatusOK {
			t.Fatal("request failed")
		}
	}
	if got := mgr.RoutingStats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1 (same first message)", got)
	}
}

// endlessBody never returns EOF; an uncapped relay would copy forever.
type endlessBody struct{}

func (endlessBody) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestRelayBodyCapsOversizedResponse(t *testing.T) {
	t.Parallel()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(endlessBody{}),
	}
	w := httptest.NewRecorder()
	relayBody(w, resp)

	if got := w.Body.Len(); got != maxRelayBody {
		t.Errorf("relayed %d bytes, want cap %d", got, maxRelayBody)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestManager(t), "http://unused")

	r := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing permissive CORS header")
	}
}
