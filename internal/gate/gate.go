// Package gate serializes access to the inference engines.
//
// The engines behind a Gate are treated as one non-reentrant resource: at
// most one Transcribe, Translate or Synthesize call runs at any instant, and
// waiting callers are admitted in arrival order. Everything around the call
// (request parsing, staging, response writing) runs outside the slot.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/telemetry"
)

// Operation names used in errors, logs and metrics.
const (
	OpTranscribe = "transcribe"
	OpTranslate  = "translate"
	OpSynthesize = "synthesize"
)

// InferenceError wraps any error returned by an engine.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

type Gate struct {
	transcriber engine.Transcriber
	translator  engine.Translator
	synthesizer engine.Synthesizer

	slot    *semaphore.Weighted
	waiting atomic.Int64
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Option func(*Gate)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.log = logger
		}
	}
}

// New builds a gate around the given engines. Any of them may be nil if the
// corresponding operation is never used.
func New(t engine.Transcriber, tr engine.Translator, s engine.Synthesizer, opts ...Option) *Gate {
	g := &Gate{
		transcriber: t,
		translator:  tr,
		synthesizer: s,
		slot:        semaphore.NewWeighted(1),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("component", "gate")
	return g
}

// Transcribe runs the transcriber on the file at path.
func (g *Gate) Transcribe(ctx context.Context, path string, opts engine.Options) (*engine.Transcription, error) {
	if g.transcriber == nil {
		return nil, &InferenceError{Op: OpTranscribe, Err: engine.ErrNotConfigured}
	}
	var result *engine.Transcription
	err := g.run(ctx, OpTranscribe, func(ctx context.Context) error {
		r, err := g.transcriber.Transcribe(ctx, path, opts)
		if err != nil {
			return err
		}
		if r == nil {
			r = &engine.Transcription{}
		}
		r.Normalize()
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Translate translates text from source (may be empty) to target.
func (g *Gate) Translate(ctx context.Context, text, source, target string) (string, error) {
	if g.translator == nil {
		return "", &InferenceError{Op: OpTranslate, Err: engine.ErrNotConfigured}
	}
	var out string
	err := g.run(ctx, OpTranslate, func(ctx context.Context) error {
		var err error
		out, err = g.translator.Translate(ctx, text, source, target)
		return err
	})
	return out, err
}

// Synthesize renders text spoken in lang.
func (g *Gate) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if g.synthesizer == nil {
		return nil, &InferenceError{Op: OpSynthesize, Err: engine.ErrNotConfigured}
	}
	var audio []byte
	err := g.run(ctx, OpSynthesize, func(ctx context.Context) error {
		var err error
		audio, err = g.synthesizer.Synthesize(ctx, text, lang)
		return err
	})
	return audio, err
}

// Waiting reports how many callers are queued for the slot.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

// run waits for the slot and invokes fn while holding it. A caller whose
// context ends while queued gets the context error back. Once fn starts it
// runs to completion with a context that is not cancelled by the caller.
func (g *Gate) run(ctx context.Context, op string, fn func(context.Context) error) error {
	queued := time.Now()
	g.waiting.Add(1)
	g.metrics.GateQueued(1)
	err := g.slot.Acquire(ctx, 1)
	g.metrics.GateQueued(-1)
	g.waiting.Add(-1)
	if err != nil {
		g.log.Debug("left queue", "op", op, "error", err)
		return err
	}
	defer g.slot.Release(1)

	wait := time.Since(queued)
	g.metrics.ObserveGateWait(wait)
	g.metrics.InferenceStarted()

	start := time.Now()
	err = fn(context.WithoutCancel(ctx))
	elapsed := time.Since(start)
	g.metrics.InferenceFinished(op, elapsed, err)

	if err != nil {
		g.log.Error("inference failed", "op", op, "wait", wait, "elapsed", elapsed, "error", err)
		return &InferenceError{Op: op, Err: err}
	}
	g.log.Debug("inference done", "op", op, "wait", wait, "elapsed", elapsed)
	return nil
}
