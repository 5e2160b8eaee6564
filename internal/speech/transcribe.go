package speech

import (
	"context"
	"strings"

	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/storage"
)

// TranscribeOption adjusts the engine options of a single call.
type TranscribeOption func(*engine.Options)

// WithWordTimestamps requests per-word timing regardless of the service
// default.
func WithWordTimestamps() TranscribeOption {
	return func(o *engine.Options) { o.WordTimestamps = true }
}

// Transcribe validates u, stages it and runs it through the gate. The staged
// file is removed before Transcribe returns, whatever the outcome.
func (s *Service) Transcribe(ctx context.Context, u Upload, opts ...TranscribeOption) (*Result, error) {
	res, err := s.transcribe(ctx, u, opts...)
	s.record(kindTranscribe, err)
	return res, err
}

func (s *Service) transcribe(ctx context.Context, u Upload, opts ...TranscribeOption) (*Result, error) {
	if err := s.validateUpload(u); err != nil {
		return nil, err
	}

	scope := storage.NewScope(s.opts.WorkDir, s.log)
	defer scope.Close()

	artifact, err := scope.Stage(u.Body, storage.Meta{
		Kind:        storage.KindUpload,
		FileName:    u.FileName,
		ContentType: u.ContentType,
	})
	if err != nil {
		return nil, ProcessingFailure("failed to stage upload", err)
	}
	if artifact.Size == 0 {
		return nil, InvalidInput("uploaded file is empty")
	}

	eo := engine.Options{
		BeamSize:       s.opts.BeamSize,
		WordTimestamps: s.opts.WordTimestamps,
	}
	for _, opt := range opts {
		opt(&eo)
	}

	tr, err := s.gate.Transcribe(ctx, artifact.Path, eo)
	if err != nil {
		s.log.Error("transcription failed", "file", u.FileName, "error", err)
		return nil, ProcessingFailure("transcription failed", err)
	}

	s.log.Info("transcribed",
		"file", u.FileName,
		"bytes", artifact.Size,
		"language", tr.Language,
		"duration", tr.Duration,
		"segments", len(tr.Segments),
	)
	return &Result{FileName: u.FileName, Transcription: tr}, nil
}

// validateUpload runs before anything touches the filesystem.
func (s *Service) validateUpload(u Upload) error {
	if u.Body == nil {
		return InvalidInput("file is required")
	}
	if u.Size == 0 {
		return InvalidInput("uploaded file is empty")
	}

	switch s.opts.Validation {
	case config.ValidateExtension:
		if !storage.IsAudioFile(u.FileName) {
			return InvalidInput("file must be an audio file")
		}
	default:
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(u.ContentType)), "audio/") {
			return InvalidInput("file must be an audio file")
		}
	}
	return nil
}
