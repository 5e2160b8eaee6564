package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// StreamMetrics accumulates statistics for one streaming session and logs
// a summary when it finishes.
type StreamMetrics struct {
	metrics *Metrics
	log     *slog.Logger

	started  time.Time
	chunks   int
	bytes    int
	flushes  int
	messages int
	closed   atomic.Bool
}

// StartStream marks a session open.
func (m *Metrics) StartStream(logger *slog.Logger, sessionID string) *StreamMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	if m != nil {
		m.streamsActive.Inc()
	}
	return &StreamMetrics{
		metrics: m,
		log:     logger.With("component", "telemetry.stream", "session_id", sessionID),
		started: time.Now(),
	}
}

// RecordChunk updates counters for an incoming audio chunk.
func (s *StreamMetrics) RecordChunk(size int) {
	if s == nil || size <= 0 {
		return
	}
	s.chunks++
	s.bytes += size
	if s.metrics != nil {
		s.metrics.streamBytes.Add(float64(size))
	}
}

// RecordFlush counts a buffer handed to the engine.
func (s *StreamMetrics) RecordFlush(size int) {
	if s == nil {
		return
	}
	s.flushes++
	if s.metrics != nil {
		s.metrics.streamFlushes.Inc()
	}
	s.log.Debug("buffer flushed", "bytes", size, "flush", s.flushes)
}

// RecordMessage counts an emitted partial transcript.
func (s *StreamMetrics) RecordMessage(text string) {
	if s == nil {
		return
	}
	s.messages++
	s.log.Debug("transcript emitted", "chars", len(text), "runes", utf8.RuneCountInString(text))
}

// Finish logs a summary and updates active stream counters. Only the first
// call has an effect. The session itself decides how loud a failure is.
func (s *StreamMetrics) Finish(err error) {
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.metrics != nil {
		defer s.metrics.streamsActive.Dec()
	}

	args := []any{
		"duration_ms", time.Since(s.started).Milliseconds(),
		"chunks", s.chunks,
		"bytes", s.bytes,
		"flushes", s.flushes,
		"messages", s.messages,
	}
	if err != nil {
		args = append(args, "error", err)
	}
	s.log.Info("stream completed", args...)
}
