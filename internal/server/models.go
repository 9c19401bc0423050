package server

import "net/http"

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// supportedModels is the static list advertised to clients. Requests for
// other models are still forwarded; per-account scopes decide routability.
var supportedModels = []string{
	"gpt-4",
	"gpt-4-turbo",
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-3.5-turbo",
	"text-embedding-3-small",
	"text-embedding-3-large",
	"dall-e-3",
}

func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	out := modelList{Object: "list", Data: make([]modelEntry, len(supportedModels))}
	for i, id := range supportedModels {
		out.Data[i] = modelEntry{ID: id, Object: "model", OwnedBy: "openai"}
	}
	writeJSON(w, http.StatusOK, out)
}
