// Package docs serves the HTTP API description and the message contract of
// the notification service.
package docs

import (
	"embed"
	"net/http"

	"github.com/darkden-lab/notifier/internal/httputil"
	"github.com/darkden-lab/notifier/internal/notifications"
	"github.com/gorilla/mux"
)

//go:embed openapi.yaml
var openAPISpec embed.FS

// TemplateDoc describes one template's accepted variables.
type TemplateDoc struct {
	Template string   `json:"template"`
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// CategoryDoc describes where a category's messages are published and which
// templates it accepts.
type CategoryDoc struct {
	Category   string        `json:"category"`
	Exchange   string        `json:"exchange"`
	RoutingKey string        `json:"routingKey"`
	Queue      string        `json:"queue"`
	Templates  []TemplateDoc `json:"templates"`
}

// Contract builds the message contract from the template registry.
func Contract() []CategoryDoc {
	out := make([]CategoryDoc, 0, len(notifications.AllCategories))
	for _, c := range notifications.AllCategories {
		t := c.Topology()
		doc := CategoryDoc{
			Category:   string(c),
			Exchange:   t.Exchange,
			RoutingKey: t.RoutingKey,
			Queue:      t.Queue,
		}
		for _, id := range notifications.Templates(c) {
			required, optional, _ := notifications.TemplateFields(id)
			if required == nil {
				required = []string{}
			}
			doc.Templates = append(doc.Templates, TemplateDoc{Template: string(id), Required: required, Optional: optional})
		}
		out = append(out, doc)
	}
	return out
}

// RegisterRoutes serves the OpenAPI spec and the message contract.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/notification-docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		data, err := openAPISpec.ReadFile("openapi.yaml")
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "spec not found")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(data) //nolint:errcheck
	}).Methods(http.MethodGet)

	r.HandleFunc("/notification-docs/contract", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, Contract())
	}).Methods(http.MethodGet)
}
