package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConfigured is returned by remote engines missing credentials or an endpoint.
var ErrNotConfigured = errors.New("engine: not configured")

// Options configures a single transcription call. Values are passed through
// to the engine unchanged.
type Options struct {
	Language       string // "" or "auto" lets the engine detect
	BeamSize       int    // 1 = greedy
	WordTimestamps bool
}

// Segment is one timed piece of transcript text.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// Transcription is the aggregate produced by a Transcriber.
type Transcription struct {
	Segments            []Segment
	Language            string
	LanguageProbability float64
	Duration            float64
}

// Text joins the segment texts into a single transcript.
func (t *Transcription) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Normalize clamps probability to [0,1] and duration to >= 0.
func (t *Transcription) Normalize() {
	if t.LanguageProbability < 0 {
		t.LanguageProbability = 0
	}
	if t.LanguageProbability > 1 {
		t.LanguageProbability = 1
	}
	if t.Duration < 0 {
		t.Duration = 0
	}
	if t.Segments == nil {
		t.Segments = []Segment{}
	}
}

// Transcriber converts an audio file to timed text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, opts Options) (*Transcription, error)
	Name() string
}

// Translator translates plain text. source may be empty or "auto".
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
	Name() string
}

// Synthesizer renders text to mp3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
	Name() string
}

// LanguageDetector returns the ISO 639-1 code of the dominant language in text.
type LanguageDetector interface {
	Detect(text string) (string, error)
}
