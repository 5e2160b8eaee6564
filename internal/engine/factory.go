package engine

import (
	"fmt"
	"log/slog"

	"github.com/voxgate/backend/internal/config"
)

// Set bundles the collaborators a server needs.
type Set struct {
	Transcriber Transcriber
	Translator  Translator
	Synthesizer Synthesizer
	Detector    LanguageDetector
}

// New resolves the configured engines. The stub engine backs every slot
// configured as "stub".
func New(cfg *config.Config, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stub := NewStubEngine(logger)
	set := &Set{}

	switch cfg.STTEngine {
	case "stub":
		logger.Warn("stub transcription engine enabled")
		set.Transcriber = stub
	case "whispercpp":
		set.Transcriber = NewWhisperCppClient(cfg.WhisperURL, logger, WithConvert(cfg.WhisperConvert))
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("engine: openai transcription: %w", ErrNotConfigured)
		}
		set.Transcriber = NewOpenAIWhisperClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.WhisperModel, logger)
	default:
		return nil, fmt.Errorf("engine: unknown transcription engine %q", cfg.STTEngine)
	}

	switch cfg.Translator {
	case "stub":
		set.Translator = stub
	case "google":
		set.Translator = NewGoogleTranslator("")
	case "deepl":
		if cfg.DeepLKey == "" {
			return nil, fmt.Errorf("engine: deepl: %w", ErrNotConfigured)
		}
		set.Translator = NewDeepLTranslator(cfg.DeepLKey, "")
	default:
		return nil, fmt.Errorf("engine: unknown translator %q", cfg.Translator)
	}

	switch cfg.TTSEngine {
	case "stub":
		set.Synthesizer = stub
	case "google":
		set.Synthesizer = NewGoogleSpeechClient("")
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("engine: openai tts: %w", ErrNotConfigured)
		}
		set.Synthesizer = NewOpenAISpeechClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	default:
		return nil, fmt.Errorf("engine: unknown tts engine %q", cfg.TTSEngine)
	}

	switch cfg.LangDetector {
	case "stub":
		set.Detector = stub
	case "lingua":
		set.Detector = NewLinguaDetector()
	default:
		return nil, fmt.Errorf("engine: unknown language detector %q", cfg.LangDetector)
	}

	logger.Info("engines resolved",
		"transcriber", set.Transcriber.Name(),
		"translator", set.Translator.Name(),
		"synthesizer", set.Synthesizer.Name(),
		"detector", cfg.LangDetector,
	)
	return set, nil
}
