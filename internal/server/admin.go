package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	manager "github.com/codexmgr/codexmgr/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// mountAdmin attaches the management surface. It shares the proxy's
// bearer auth; there is no separate admin credential.
func (s *server) mountAdmin(r chi.Router) {
	r.Get("/accounts", s.handleListAccounts)
	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/accounts/export", s.handleExportAccounts)
	r.Post("/accounts/import", s.handleImportAccounts)
	r.Get("/accounts/{id}", s.handleGetAccount)
	r.Put("/accounts/{id}", s.handleUpdateAccount)
	r.Delete("/accounts/{id}", s.handleDeleteAccount)
	r.Post("/accounts/{id}/toggle", s.handleToggleAccount)
	r.Get("/accounts/{id}/usage", s.handleGetUsage)
	r.Post("/accounts/{id}/usage/refresh", s.handleRefreshUsage)
	r.Post("/usage/refresh", s.handleRefreshAllUsage)
	r.Get("/statuses", s.handleStatuses)
	r.Get("/routing/stats", s.handleRoutingStats)
	r.Put("/routing/strategy", s.handleSetStrategy)
	r.Post("/sessions/clear", s.handleClearSessions)
	r.Post("/validate", s.handleValidateKey)
	r.Get("/proxy/status", s.handleProxyStatus)
	r.Post("/proxy/stop", s.handleProxyStop)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// accountID parses the {id} path parameter. Writes 400 and returns false
// on a malformed UUID.
func accountID(w http.ResponseWriter, r *http.Request) (manager.AccountID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid account id"))
		return uuid.Nil, false
	}
	return id, true
}

// writeAdminError logs the full error server-side and returns a
// sanitized message to the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, manager.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, manager.ErrBadRequest):
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Manager.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*manager.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.deps.Manager.AddAccount(r.Context(), req)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Manager.GetAccount(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req manager.UpdateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.deps.Manager.UpdateAccount(r.Context(), id, req)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	removed, err := s.deps.Manager.RemoveAccount(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleToggleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.deps.Manager.ToggleAccount(r.Context(), id, req.Enabled)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	snap, err := s.deps.Manager.LatestUsage(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleRefreshUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	snap, err := s.deps.Manager.RefreshUsage(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleRefreshAllUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.RefreshAllUsage(r.Context()); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.AccountStatuses())
}

func (s *server) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.AccountStatuses())
}

func (s *server) handleRoutingStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.RoutingStats())
}

func (s *server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Manager.SetStrategy(req.Strategy); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.RoutingStats())
}

func (s *server) handleClearSessions(w http.ResponseWriter, _ *http.Request) {
	s.deps.Manager.ClearSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
		OrgID  string `json:"org_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("api_key is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.ValidateKey(r.Context(), req.APIKey, req.OrgID))
}

func (s *server) handleExportAccounts(w http.ResponseWriter, r *http.Request) {
	export, err := s.deps.Manager.ExportAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var export manager.AccountExport
	if !decodeJSON(w, r, &export) {
		return
	}
	n, err := s.deps.Manager.ImportAccounts(r.Context(), &export)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *server) handleProxyStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxy == nil {
		writeJSON(w, http.StatusOK, manager.ProxyStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Proxy.Status())
}

// handleProxyStop requests a graceful shutdown of the whole proxy
// process. The response is written before the drain begins.
func (s *server) handleProxyStop(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxy == nil {
		writeJSON(w, http.StatusConflict, errorResponse("proxy lifecycle not managed"))
		return
	}
	s.deps.Proxy.RequestStop()
	w.WriteHeader(http.StatusAccepted)
}
