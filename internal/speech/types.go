package speech

import (
	"io"
	"slices"
	"strings"

	"github.com/voxgate/backend/internal/engine"
)

// Mode selects the transcription response shape.
type Mode int

const (
	// ModeJoined returns the transcript as one string.
	ModeJoined Mode = iota
	// ModeSegments returns the timed segment list.
	ModeSegments
)

// ParseMode accepts "segments" (or a true boolean flag) for ModeSegments;
// anything else is ModeJoined.
func ParseMode(v string) Mode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "segments", "segment", "true", "1", "yes":
		return ModeSegments
	default:
		return ModeJoined
	}
}

// DefaultTargetLanguage is used when a translation request names none.
const DefaultTargetLanguage = "en"

// SupportedTargets lists the languages translation may target.
var SupportedTargets = []string{"en", "es", "fr", "de", "tr"}

func IsSupportedTarget(lang string) bool {
	return slices.Contains(SupportedTargets, lang)
}

// Upload is one media object received from a client.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64 // -1 when unknown
	Body        io.Reader
}

// TranscriptionResponse is the joined-string shape.
type TranscriptionResponse struct {
	FileName            string  `json:"file_name"`
	Transcription       string  `json:"transcription"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
}

// SegmentsResponse is the timed segment list shape.
type SegmentsResponse struct {
	FileName            string           `json:"file_name"`
	Transcription       []engine.Segment `json:"transcription"`
	Language            string           `json:"language"`
	LanguageProbability float64          `json:"language_probability"`
	Duration            float64          `json:"duration"`
}

type TranslationResponse struct {
	TranscriptionResponse
	Translation    string `json:"translation"`
	TargetLanguage string `json:"target_language"`
}

// The /fwhisper routes serve an existing mobile client that reads the
// probability as language_prob. The compat shapes carry both keys.

type SegmentsCompatResponse struct {
	SegmentsResponse
	LanguageProb float64 `json:"language_prob"`
}

type TranslationCompatResponse struct {
	TranslationResponse
	LanguageProb float64 `json:"language_prob"`
}

func (t *TranslationResponse) Compat() TranslationCompatResponse {
	return TranslationCompatResponse{TranslationResponse: *t, LanguageProb: t.LanguageProbability}
}

// Result is a finished transcription of one upload.
type Result struct {
	FileName string
	*engine.Transcription
}

func (r *Result) Joined() TranscriptionResponse {
	return TranscriptionResponse{
		FileName:            r.FileName,
		Transcription:       r.Text(),
		Language:            r.Language,
		LanguageProbability: r.LanguageProbability,
		Duration:            r.Duration,
	}
}

func (r *Result) WithSegments() SegmentsResponse {
	segments := r.Segments
	if segments == nil {
		segments = []engine.Segment{}
	}
	return SegmentsResponse{
		FileName:            r.FileName,
		Transcription:       segments,
		Language:            r.Language,
		LanguageProbability: r.LanguageProbability,
		Duration:            r.Duration,
	}
}

func (r *Result) CompatSegments() SegmentsCompatResponse {
	seg := r.WithSegments()
	return SegmentsCompatResponse{SegmentsResponse: seg, LanguageProb: seg.LanguageProbability}
}

// Response returns the shape selected by mode.
func (r *Result) Response(mode Mode) any {
	if mode == ModeSegments {
		return r.WithSegments()
	}
	return r.Joined()
}
