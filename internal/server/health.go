package server

import (
	"net/http"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

// handleHealth reports "ok" while at least one account is routable,
// "degraded" otherwise. Unauthenticated.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "degraded"
	if s.deps.Manager.RoutingStats().AvailableAccounts > 0 {
		status = "ok"
	}

	var uptime uint64
	if s.deps.Proxy != nil {
		uptime = s.deps.Proxy.Status().UptimeSeconds
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       s.deps.Version,
		UptimeSeconds: uptime,
	})
}
