package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voxgate/backend/internal/ledger"
)

type RequestsHandler struct {
	ledger *ledger.Ledger
}

func NewRequestsHandler(l *ledger.Ledger) *RequestsHandler {
	return &RequestsHandler{ledger: l}
}

// List returns recent requests, newest first. Optional query: kind, status, limit.
func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Kind:   ledger.Kind(q.Get("kind")),
		Status: ledger.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	records, err := h.ledger.List(f)
	if err != nil {
		jsonError(w, "failed to list requests: "+err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, records, http.StatusOK)
}

// Get returns a single request by ID
func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, "missing request ID", http.StatusBadRequest)
		return
	}

	rec, err := h.ledger.Get(id)
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, "request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load request: "+err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, rec, http.StatusOK)
}
