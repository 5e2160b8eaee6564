// Package speech implements the transcription, translation and synthesis
// request pipelines: validate, stage through a storage scope, call the
// inference gate, assemble the response and release every artifact.
package speech

import (
	"log/slog"

	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/telemetry"
)

const (
	kindTranscribe = "transcribe"
	kindTranslate  = "translate"
	kindSynthesize = "synthesize"
)

type Options struct {
	WorkDir        string
	BeamSize       int
	WordTimestamps bool
	MaxTextLength  int
	Validation     string // config.ValidateContentType or config.ValidateExtension
}

// OptionsFromConfig copies the request pipeline settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkDir:        cfg.WorkDir,
		BeamSize:       cfg.BeamSize,
		WordTimestamps: cfg.WordTimestamps,
		MaxTextLength:  cfg.MaxTextLength,
		Validation:     cfg.UploadValidation,
	}
}

type Service struct {
	gate     *gate.Gate
	detector engine.LanguageDetector
	opts     Options
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

func NewService(g *gate.Gate, detector engine.LanguageDetector, opts Options, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BeamSize < 1 {
		opts.BeamSize = config.DefaultBeamSize
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = config.DefaultMaxTextLength
	}
	if opts.Validation == "" {
		opts.Validation = config.ValidateContentType
	}
	return &Service{
		gate:     g,
		detector: detector,
		opts:     opts,
		metrics:  metrics,
		log:      logger.With("component", "speech"),
	}
}

func (s *Service) record(kind string, err error) {
	switch {
	case err == nil:
		s.metrics.RecordRequest(kind, telemetry.OutcomeOK)
	case IsInvalidInput(err):
		s.metrics.RecordRequest(kind, telemetry.OutcomeInvalid)
	default:
		s.metrics.RecordRequest(kind, telemetry.OutcomeFailed)
	}
}
