package status

import (
	"net/http"

	"docsync-server/sync"

	"github.com/go-chi/render"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
}

// HandleHealth reports liveness and the active document count.
func HandleHealth(registry *sync.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, HealthResponse{
			Status:    "ok",
			Documents: len(registry.ActiveDocuments()),
		})
	}
}

// HandleListDocuments lists resident documents and their session counts.
func HandleListDocuments(registry *sync.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, registry.ActiveDocuments())
	}
}
