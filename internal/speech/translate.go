package speech

import (
	"context"
	"fmt"
	"strings"
)

// Translate transcribes u and translates the transcript to target. An
// unsupported target fails before the upload is staged. Translator errors are
// reported as invalid input; transcription errors as processing failures.
func (s *Service) Translate(ctx context.Context, u Upload, target string) (*TranslationResponse, error) {
	resp, err := s.translate(ctx, u, target)
	s.record(kindTranslate, err)
	return resp, err
}

func (s *Service) translate(ctx context.Context, u Upload, target string) (*TranslationResponse, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		target = DefaultTargetLanguage
	}
	if !IsSupportedTarget(target) {
		return nil, InvalidInput(fmt.Sprintf("unsupported target language %q (supported: %s)",
			target, strings.Join(SupportedTargets, ", ")))
	}

	res, err := s.transcribe(ctx, u)
	if err != nil {
		return nil, err
	}

	text := res.Text()
	if strings.TrimSpace(text) == "" {
		return nil, InvalidInput("no speech detected")
	}

	translated, err := s.gate.Translate(ctx, text, res.Language, target)
	if err != nil {
		s.log.Warn("translation failed", "target", target, "error", err)
		return nil, &Error{Kind: KindInvalidInput, Message: "translation failed", Cause: err}
	}

	return &TranslationResponse{
		TranscriptionResponse: res.Joined(),
		Translation:           translated,
		TargetLanguage:        target,
	}, nil
}
