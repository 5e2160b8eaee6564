package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/telemetry"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn feeds frames pushed on in and records text messages written.
// Closing in ends the stream with endErr.
type fakeConn struct {
	in     chan frame
	done   chan struct{}
	endErr error

	mu       sync.Mutex
	out      []string
	closeMsg []byte
	closed   bool
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame),
		done:   make(chan struct{}),
		endErr: &websocket.CloseError{Code: websocket.CloseNormalClosure},
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, c.endErr
		}
		return f.kind, f.data, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	switch kind {
	case websocket.TextMessage:
		c.out = append(c.out, string(data))
	case websocket.CloseMessage:
		c.closeMsg = data
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) send(t *testing.T, kind int, data []byte) {
	t.Helper()
	select {
	case c.in <- frame{kind: kind, data: data}:
	case <-time.After(2 * time.Second):
		t.Fatal("session stopped reading")
	}
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

// echoEngine returns the staged bytes as the first segment and a flush
// counter as the second.
type echoEngine struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
	opts    atomic.Value
	path    atomic.Value
}

func (e *echoEngine) Name() string { return "echo" }

func (e *echoEngine) Transcribe(ctx context.Context, path string, opts engine.Options) (*engine.Transcription, error) {
	n := e.calls.Add(1)
	e.opts.Store(opts)
	e.path.Store(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return nil, e.err
	}
	return &engine.Transcription{
		Segments: []engine.Segment{
			{Text: string(data)},
			{Text: "   "},
			{Text: "#" + string(rune('0'+n))},
		},
		Language:            "en",
		LanguageProbability: 1,
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	conn    *fakeConn
	eng     *echoEngine
	session *Session
	dir     string
	result  chan error
}

func start(t *testing.T, eng *echoEngine, cfg Config) *harness {
	t.Helper()
	return startWithLogger(t, eng, cfg, quietLogger())
}

func startWithLogger(t *testing.T, eng *echoEngine, cfg Config, logger *slog.Logger) *harness {
	t.Helper()
	h := &harness{conn: newFakeConn(), eng: eng, dir: t.TempDir(), result: make(chan error, 1)}
	cfg.WorkDir = h.dir
	g := gate.New(eng, nil, nil, gate.WithLogger(quietLogger()))
	h.session = NewSession(h.conn, g, cfg, telemetry.NewMetrics(), logger)
	go func() { h.result <- h.session.Run(context.Background()) }()
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) waitMessages(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.conn.messages()) >= n }, 2*time.Second, time.Millisecond)
}

func (h *harness) assertNoArtifacts(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSession_FlushesInOrder(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 10})

	for _, chunk := range []string{"AAAAAA", "BBBBBB", "CCCCCC", "DDDDDD"} {
		h.conn.send(t, websocket.BinaryMessage, []byte(chunk))
	}
	h.waitMessages(t, 4)
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"AAAAAABBBBBB", "#1", "CCCCCCDDDDDD", "#2"}, h.conn.messages())
	assert.Equal(t, int32(2), h.eng.calls.Load())
	assert.Equal(t, 1, h.eng.opts.Load().(engine.Options).BeamSize)
	assert.Equal(t, StateClosed, h.session.State())
	assert.True(t, h.conn.closed)
	h.assertNoArtifacts(t)
}

func TestSession_BelowThresholdSendsNothing(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 10})

	h.conn.send(t, websocket.BinaryMessage, []byte("12345"))
	h.conn.send(t, websocket.BinaryMessage, []byte("6789"))
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Empty(t, h.conn.messages())
	assert.Zero(t, h.eng.calls.Load())
	assert.Equal(t, StateClosed, h.session.State())
	h.assertNoArtifacts(t)
}

func TestSession_IgnoresTextFrames(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 10})

	h.conn.send(t, websocket.TextMessage, bytes.Repeat([]byte("x"), 50))
	h.conn.send(t, websocket.BinaryMessage, []byte("123"))
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Zero(t, h.eng.calls.Load())
}

func TestSession_LargeChunkFlushesOnce(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 4})

	h.conn.send(t, websocket.BinaryMessage, []byte("0123456789"))
	h.waitMessages(t, 2)
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"0123456789", "#1"}, h.conn.messages())
}

func TestSession_InferenceFailure(t *testing.T) {
	h := start(t, &echoEngine{err: errors.New("decoder crashed")}, Config{FlushBytes: 4})

	h.conn.send(t, websocket.BinaryMessage, []byte("0123456789"))

	err := h.wait(t)
	require.Error(t, err)
	assert.ErrorContains(t, err, "decoder crashed")
	assert.Equal(t, StateFailed, h.session.State())
	assert.Empty(t, h.conn.messages())
	assert.NotEmpty(t, h.conn.closeMsg)
	assert.True(t, h.conn.closed)
	h.assertNoArtifacts(t)
}

func TestSession_AbnormalDisconnect(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 10})
	h.conn.endErr = &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	h.conn.send(t, websocket.BinaryMessage, []byte("123"))
	close(h.conn.in)

	err := h.wait(t)
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.session.State())
	h.assertNoArtifacts(t)
}

func TestSession_AbnormalDisconnectLogsWarning(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h := startWithLogger(t, &echoEngine{}, Config{FlushBytes: 10}, logger)
	h.conn.endErr = &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	close(h.conn.in)

	require.Error(t, h.wait(t))
	assert.Equal(t, StateFailed, h.session.State())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "stream ended by client")
	assert.NotContains(t, logs.String(), "level=ERROR")
}

func TestSession_InferenceFailureLogsError(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h := startWithLogger(t, &echoEngine{err: errors.New("decoder crashed")}, Config{FlushBytes: 4}, logger)

	h.conn.send(t, websocket.BinaryMessage, []byte("0123456789"))

	require.Error(t, h.wait(t))
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "stream failed")
}

func TestSession_StagesWithConfiguredFormat(t *testing.T) {
	cfg := ConfigFromConfig(&config.Config{StreamFlushBytes: 4, StreamQueueDepth: 4, StreamFormat: "webm"})
	assert.Equal(t, ".webm", cfg.Extension)

	h := start(t, &echoEngine{}, cfg)
	h.conn.send(t, websocket.BinaryMessage, []byte("0123456789"))
	h.waitMessages(t, 2)
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, ".webm", filepath.Ext(h.eng.path.Load().(string)))
	h.assertNoArtifacts(t)
}

func TestSession_GoingAwayIsGraceful(t *testing.T) {
	h := start(t, &echoEngine{}, Config{FlushBytes: 10})
	h.conn.endErr = &websocket.CloseError{Code: websocket.CloseGoingAway}
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_DisconnectDuringFlushDiscardsResult(t *testing.T) {
	eng := &echoEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := start(t, eng, Config{FlushBytes: 4})

	h.conn.send(t, websocket.BinaryMessage, []byte("0123456789"))
	select {
	case <-eng.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("engine not called")
	}

	close(h.conn.in)
	// let the reader observe the disconnect before the engine returns
	require.Eventually(t, func() bool { return h.session.gone.Load() }, time.Second, time.Millisecond)
	close(eng.release)

	require.NoError(t, h.wait(t))
	assert.Equal(t, int32(1), eng.calls.Load())
	assert.Empty(t, h.conn.messages())
	assert.Equal(t, StateClosed, h.session.State())
	h.assertNoArtifacts(t)
}

func TestSession_Backpressure(t *testing.T) {
	eng := &echoEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := start(t, eng, Config{FlushBytes: 4, QueueDepth: 1})

	h.conn.send(t, websocket.BinaryMessage, []byte("flush-me"))
	<-eng.entered

	// one chunk fits in the queue, one is held by the blocked reader
	h.conn.send(t, websocket.BinaryMessage, []byte("a"))
	h.conn.send(t, websocket.BinaryMessage, []byte("b"))

	select {
	case h.conn.in <- frame{kind: websocket.BinaryMessage, data: []byte("c")}:
		t.Fatal("reader kept reading while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(eng.release)
	h.conn.send(t, websocket.BinaryMessage, []byte("c"))
	h.waitMessages(t, 2)
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"flush-me", "#1"}, h.conn.messages())
}

func TestSession_ContextCancelled(t *testing.T) {
	conn := newFakeConn()
	g := gate.New(&echoEngine{}, nil, nil)
	s := NewSession(conn, g, Config{WorkDir: t.TempDir()}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	conn.send(t, websocket.BinaryMessage, []byte("x"))
	cancel()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session ignored cancellation")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "accumulating", StateAccumulating.String())
	assert.Equal(t, "failed", StateFailed.String())
}
