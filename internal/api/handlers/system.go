package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voxgate/backend/internal/db"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
)

type SystemHandler struct {
	db      *db.Database
	gate    *gate.Gate
	engines *engine.Set
	routes  chi.Routes
}

func NewSystemHandler(database *db.Database, g *gate.Gate, engines *engine.Set) *SystemHandler {
	return &SystemHandler{db: database, gate: g, engines: engines}
}

// SetRoutes registers the router walked by Docs.
func (h *SystemHandler) SetRoutes(routes chi.Routes) {
	h.routes = routes
}

func (h *SystemHandler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.engines != nil {
		resp["engines"] = map[string]string{
			"transcriber": h.engines.Transcriber.Name(),
			"translator":  h.engines.Translator.Name(),
			"synthesizer": h.engines.Synthesizer.Name(),
		}
	}
	if h.gate != nil {
		resp["queued"] = h.gate.Waiting()
	}
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	jsonResponse(w, resp, status)
}

type routeDoc struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Docs lists every registered route.
func (h *SystemHandler) Docs(w http.ResponseWriter, r *http.Request) {
	docs := []routeDoc{}
	if h.routes != nil {
		chi.Walk(h.routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			route = strings.TrimSuffix(route, "/*")
			if route == "" {
				route = "/"
			}
			docs = append(docs, routeDoc{Method: method, Path: route})
			return nil
		})
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Path == docs[j].Path {
			return docs[i].Method < docs[j].Method
		}
		return docs[i].Path < docs[j].Path
	})
	jsonResponse(w, map[string]interface{}{"routes": docs}, http.StatusOK)
}
