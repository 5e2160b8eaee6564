package engine

import (
	"errors"
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"
)

// ErrLanguageUndetected is returned when no language can be inferred from text.
var ErrLanguageUndetected = errors.New("langdetect: language could not be detected")

// detectable covers the translation targets plus the languages speech
// uploads most often arrive in.
var detectable = []lingua.Language{
	lingua.English, lingua.Spanish, lingua.French, lingua.German, lingua.Turkish,
	lingua.Italian, lingua.Portuguese, lingua.Dutch, lingua.Russian, lingua.Polish,
	lingua.Arabic, lingua.Ukrainian,
}

// LinguaDetector detects the language of short texts with lingua-go.
// Language models are loaded lazily by lingua.
type LinguaDetector struct {
	once     sync.Once
	detector lingua.LanguageDetector
}

func NewLinguaDetector() *LinguaDetector {
	return &LinguaDetector{}
}

func (d *LinguaDetector) Detect(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrLanguageUndetected
	}
	d.once.Do(func() {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectable...).
			Build()
	})

	language, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return "", ErrLanguageUndetected
	}
	return strings.ToLower(language.IsoCode639_1().String()), nil
}
