// Package stream runs streaming transcription sessions: binary audio chunks
// in, partial transcript text messages out.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/storage"
	"github.com/voxgate/backend/internal/telemetry"
)

// State of a session.
type State int32

const (
	StateOpen State = iota
	StateAccumulating
	StateFlushing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Config struct {
	WorkDir    string
	FlushBytes int
	QueueDepth int
	Extension  string // file extension used when staging a flush
}

// ConfigFromConfig copies the stream settings out of cfg.
func ConfigFromConfig(cfg *config.Config) Config {
	c := Config{
		WorkDir:    cfg.WorkDir,
		FlushBytes: cfg.StreamFlushBytes,
		QueueDepth: cfg.StreamQueueDepth,
	}
	if cfg.StreamFormat != "" {
		c.Extension = "." + cfg.StreamFormat
	}
	return c
}

var errDisconnected = errors.New("stream: client disconnected")

// Session accumulates audio from one connection and emits a text message
// per transcript segment each time the buffer crosses FlushBytes.
//
// One goroutine reads the connection into a bounded queue; Run consumes the
// queue, owns the buffer and is the only writer. A full queue stops the
// reader, which stops reading the socket.
type Session struct {
	id      string
	conn    Conn
	gate    *gate.Gate
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.StreamMetrics

	state  atomic.Int32
	buf    bytes.Buffer
	gone   atomic.Bool
	cancel context.CancelFunc
	once   sync.Once
}

func NewSession(conn Conn, g *gate.Gate, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = config.DefaultStreamFlushBytes
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = config.DefaultStreamQueueDepth
	}
	if cfg.Extension == "" {
		cfg.Extension = ".wav"
	}
	id := uuid.NewString()
	log := logger.With("component", "stream", "session_id", id)
	return &Session{
		id:      id,
		conn:    conn,
		gate:    g,
		cfg:     cfg,
		log:     log,
		metrics: metrics.StartStream(logger, id),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run serves the connection until the client disconnects, ctx ends or an
// error occurs. It returns nil for a graceful close. The connection is closed
// and every staged file removed before Run returns.
func (s *Session) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	scope := storage.NewScope(s.cfg.WorkDir, s.log)
	defer scope.Close()

	chunks := make(chan []byte, s.cfg.QueueDepth)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, chunks, readErr)

	s.log.Info("stream opened", "flush_bytes", s.cfg.FlushBytes)

	var runErr error
loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if runErr = s.append(ctx, scope, chunk); runErr != nil {
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	if runErr != nil && !errors.Is(runErr, errDisconnected) {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transcription failed")
		if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			s.log.Debug("close frame not sent", "error", err)
		}
	}

	// stop the reader and wait for it
	s.disconnect()
	s.conn.Close()
	for range chunks {
	}
	rerr := <-readErr

	// read-side errors come from the client, not from us
	clientSide := false
	if runErr == nil || errors.Is(runErr, errDisconnected) {
		runErr = rerr
		clientSide = true
	}
	if isGracefulClose(runErr) || parent.Err() != nil {
		runErr = nil
	}

	switch {
	case runErr == nil:
		s.setState(StateClosed)
		s.log.Info("stream closed", "dropped_bytes", s.buf.Len())
	case clientSide:
		s.setState(StateFailed)
		s.log.Warn("stream ended by client", "error", runErr, "dropped_bytes", s.buf.Len())
	default:
		s.setState(StateFailed)
		s.log.Error("stream failed", "error", runErr)
	}
	s.buf.Reset()
	s.metrics.Finish(runErr)
	return runErr
}

func (s *Session) readLoop(ctx context.Context, chunks chan<- []byte, readErr chan<- error) {
	defer close(chunks)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.disconnect()
			readErr <- err
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case chunks <- data:
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}
}

// disconnect marks the client gone and aborts a gate wait that has not
// started yet. An engine call already running is left to finish.
func (s *Session) disconnect() {
	s.once.Do(func() {
		s.gone.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) append(ctx context.Context, scope *storage.Scope, chunk []byte) error {
	s.buf.Write(chunk)
	s.metrics.RecordChunk(len(chunk))
	if s.buf.Len() < s.cfg.FlushBytes {
		s.setState(StateAccumulating)
		return nil
	}
	return s.flush(ctx, scope)
}

func (s *Session) flush(ctx context.Context, scope *storage.Scope) error {
	s.setState(StateFlushing)
	snapshot := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.metrics.RecordFlush(len(snapshot))

	artifact, err := scope.StageBytes(snapshot, storage.Meta{
		Kind:     storage.KindStream,
		FileName: "chunk" + s.cfg.Extension,
	})
	if err != nil {
		return fmt.Errorf("stage flush: %w", err)
	}
	defer scope.Release(artifact)

	res, err := s.gate.Transcribe(ctx, artifact.Path, engine.Options{BeamSize: 1})
	if s.gone.Load() {
		s.log.Debug("discarding flush result after disconnect", "bytes", len(snapshot))
		return errDisconnected
	}
	if err != nil {
		return fmt.Errorf("transcribe flush: %w", err)
	}

	for _, seg := range res.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			return fmt.Errorf("send transcript: %w", err)
		}
		s.metrics.RecordMessage(text)
	}

	s.setState(StateOpen)
	return nil
}

func isGracefulClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
