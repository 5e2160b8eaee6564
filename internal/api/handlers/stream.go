package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/ledger"
	"github.com/voxgate/backend/internal/stream"
	"github.com/voxgate/backend/internal/telemetry"
)

// maxFrameBytes caps a single inbound WebSocket message.
const maxFrameBytes = 1 << 20

type StreamHandler struct {
	gate     *gate.Gate
	cfg      stream.Config
	ledger   *ledger.Ledger
	metrics  *telemetry.Metrics
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewStreamHandler(g *gate.Gate, cfg stream.Config, l *ledger.Ledger, metrics *telemetry.Metrics, allowedOrigins []string, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		gate:    g,
		cfg:     cfg,
		ledger:  l,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: logger.With("component", "handlers.stream"),
	}
}

// Serve upgrades the request and runs a streaming session until the client
// goes away. Binary frames carry audio; transcripts come back as text frames.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	session := stream.NewSession(conn, h.gate, h.cfg, h.metrics, h.log)
	var id string
	if rec, err := h.ledger.Open(ledger.KindStream, session.ID(), r.RemoteAddr, map[string]int{"flush_bytes": h.cfg.FlushBytes}); err != nil {
		h.log.Warn("ledger open failed", "error", err)
	} else if rec != nil {
		id = rec.ID
		h.ledger.Start(id)
	}

	err = session.Run(r.Context())
	h.ledger.Finish(id, map[string]string{"state": session.State().String()}, err)
}

// originChecker allows same-host requests, requests without an Origin
// header and the configured origins ("*" allows all).
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
