package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	manager "github.com/codexmgr/codexmgr/internal"
	"github.com/codexmgr/codexmgr/internal/telemetry"
)

// maxProxyBody caps buffered request bodies (10 MB).
const maxProxyBody = 10 << 20

// maxRelayBody caps non-streaming upstream responses (32 MB).
const maxRelayBody = 32 << 20

// defaultModel is assumed when the body carries no model field.
const defaultModel = "gpt-4"

// handleProxy is the routed request path: parse just enough of the body
// to route, select an account, forward upstream with that account's
// credential, relay the response, and report the outcome to the engine.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxy != nil {
		s.deps.Proxy.countRequest()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	model := defaultModel
	if v := gjson.GetBytes(body, "model"); v.Type == gjson.String {
		model = v.Str
	}

	decision, err := s.deps.Manager.Engine().SelectAccount(manager.RequestContext{
		Model:     model,
		SessionID: sessionID(body),
	})
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RoutingFailures.Inc()
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse(err.Error()))
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RoutingDecisions.WithLabelValues(
			decision.AccountLabel, string(s.deps.Manager.Engine().Strategy())).Inc()
	}

	s.forward(w, r, body, model, decision)
}

// forward POSTs the body upstream with the decision's credential and
// relays the response. Health outcomes feed back into the engine.
func (s *server) forward(w http.ResponseWriter, r *http.Request, body []byte, model string, decision *manager.RoutingDecision) {
	ctx, span := telemetry.Tracer("server").Start(r.Context(), "upstream.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", decision.AccountLabel),
		attribute.String("model", model),
	)

	url := s.deps.BaseURL + r.URL.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to build upstream request"))
		return
	}
	req.Header.Set("Authorization", "Bearer "+decision.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if decision.OrgID != "" {
		req.Header.Set("OpenAI-Organization", decision.OrgID)
	}

	start := time.Now()
	resp, err := s.upstream.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		s.deps.Manager.Engine().ReportError(decision.AccountID, true)
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream transport failure",
			slog.String("account", decision.AccountLabel),
			slog.Any("error", err),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(decision.AccountLabel, "transport").Inc()
		}
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
		return
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(decision.AccountLabel, model).
			Observe(time.Since(start).Seconds())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fatal := resp.StatusCode >= 500
		s.deps.Manager.Engine().ReportError(decision.AccountID, fatal)
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(
				decision.AccountLabel, strconv.Itoa(resp.StatusCode)).Inc()
		}
		relayBody(w, resp)
		return
	}

	s.deps.Manager.Engine().ReportSuccess(decision.AccountID)

	if gjson.GetBytes(body, "stream").Bool() {
		s.relayStream(w, r, resp)
		return
	}
	relayBody(w, resp)
}

// relayBody copies the upstream response verbatim: status, content type,
// and body, capped at maxRelayBody.
func relayBody(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, maxRelayBody))
}

// relayStream pipes the upstream byte stream to the client with SSE
// headers, flushing as data arrives. A client disconnect cancels the
// request context, which terminates the upstream read.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "stream relay ended",
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

// sessionID derives session identity from the first message: the hex of
// the first 8 bytes of SHA-256(content). Conversations that begin with
// identical content will alias; that is accepted.
func sessionID(body []byte) string {
	content := gjson.GetBytes(body, "messages.0.content")
	if content.Type != gjson.String {
		return ""
	}
	sum := sha256.Sum256([]byte(content.Str))
	return hex.EncodeToString(sum[:8])
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, manager.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, manager.ErrNoAccount):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice; direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
