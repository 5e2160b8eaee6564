package speech

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/voxgate/backend/internal/storage"
)

const speechContentType = "audio/mpeg"

// Speech is synthesized audio staged on disk. The caller owns it and must
// call Release once the audio has been delivered.
type Speech struct {
	Path        string
	FileName    string
	Language    string
	ContentType string
	Size        int64

	scope *storage.Scope
}

// Release deletes the audio file. Safe to call more than once.
func (sp *Speech) Release() {
	if sp == nil || sp.scope == nil {
		return
	}
	sp.scope.Close()
}

// Synthesize detects the language of text and renders it to an mp3 file.
// Empty or over-long text fails before any file is created.
func (s *Service) Synthesize(ctx context.Context, text string) (*Speech, error) {
	sp, err := s.synthesize(ctx, text)
	s.record(kindSynthesize, err)
	return sp, err
}

func (s *Service) synthesize(ctx context.Context, text string) (*Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, InvalidInput("text is required")
	}
	if n := utf8.RuneCountInString(text); n > s.opts.MaxTextLength {
		return nil, InvalidInput(fmt.Sprintf("text is %d characters, limit is %d", n, s.opts.MaxTextLength))
	}

	if s.detector == nil {
		return nil, ProcessingFailure("language detection unavailable", nil)
	}
	lang, err := s.detector.Detect(text)
	if err != nil {
		return nil, ProcessingFailure("language detection failed", err)
	}

	audio, err := s.gate.Synthesize(ctx, text, lang)
	if err != nil {
		return nil, ProcessingFailure("speech synthesis failed", err)
	}
	if len(audio) == 0 {
		return nil, ProcessingFailure("speech synthesis returned no audio", nil)
	}

	scope := storage.NewScope(s.opts.WorkDir, s.log)
	artifact, err := scope.StageBytes(audio, storage.Meta{
		Kind:        storage.KindSpeech,
		FileName:    lang + ".mp3",
		ContentType: speechContentType,
	})
	if err != nil {
		scope.Close()
		return nil, ProcessingFailure("failed to store synthesized audio", err)
	}

	s.log.Info("synthesized", "language", lang, "chars", utf8.RuneCountInString(text), "bytes", artifact.Size)
	return &Speech{
		Path:        artifact.Path,
		FileName:    "speech-" + lang + ".mp3",
		Language:    lang,
		ContentType: speechContentType,
		Size:        artifact.Size,
		scope:       scope,
	}, nil
}
