// Package health serves the liveness endpoint of the notification service.
package health

import (
	"net/http"

	"github.com/darkden-lab/notifier/internal/httputil"
	"github.com/gorilla/mux"
)

// Path is the liveness endpoint.
const Path = "/notification-health"

const healthyMessage = "Notification Service is healthy and Ok"

type Handlers struct{}

func NewHandlers() *Handlers {
	return &Handlers{}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(Path, h.Health).Methods(http.MethodGet)
}

// Health reports that the process is up. It does not check the broker.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": healthyMessage})
}
