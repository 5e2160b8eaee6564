package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/backend/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestTranscription_Normalize(t *testing.T) {
	tr := &Transcription{LanguageProbability: 1.7, Duration: -3}
	tr.Normalize()
	assert.Equal(t, 1.0, tr.LanguageProbability)
	assert.Zero(t, tr.Duration)
	assert.NotNil(t, tr.Segments)

	tr = &Transcription{LanguageProbability: -0.2}
	tr.Normalize()
	assert.Zero(t, tr.LanguageProbability)
}

func TestTranscription_Text(t *testing.T) {
	tr := &Transcription{Segments: []Segment{{Text: " hello "}, {Text: "  "}, {Text: "world"}}}
	assert.Equal(t, "hello world", tr.Text())
}

func TestStub_SilentWAV(t *testing.T) {
	e := NewStubEngine(quietLogger())
	path := writeTemp(t, "silence.wav", SilentWAV(2, 16000))

	res, err := e.Transcribe(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Duration, 0.001)
	assert.Empty(t, res.Segments)
	assert.Equal(t, "en", res.Language)
}

func TestStub_NonSilentPayload(t *testing.T) {
	e := NewStubEngine(quietLogger())
	path := writeTemp(t, "clip.bin", []byte("abc"))

	res, err := e.Transcribe(context.Background(), path, Options{Language: "fr"})
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "[stub] received 3 bytes", res.Segments[0].Text)
	assert.Equal(t, "fr", res.Language)
	assert.Equal(t, 1.0, res.LanguageProbability)
}

func TestStub_MissingFile(t *testing.T) {
	_, err := NewStubEngine(quietLogger()).Transcribe(context.Background(), filepath.Join(t.TempDir(), "gone.wav"), Options{})
	assert.Error(t, err)
}

func TestStub_Detect(t *testing.T) {
	e := NewStubEngine(quietLogger())
	for text, want := range map[string]string{
		"Bonjour tout le monde": "fr",
		"Hola, ¿qué tal?":       "es",
		"Merhaba dünya":         "tr",
		"plain words":           "en",
	} {
		got, err := e.Detect(text)
		require.NoError(t, err)
		assert.Equal(t, want, got, text)
	}
	_, err := e.Detect("   ")
	assert.ErrorIs(t, err, ErrLanguageUndetected)
}

func TestParseWAV_Errors(t *testing.T) {
	_, err := parseWAV([]byte("RIFF"))
	assert.ErrorIs(t, err, errNotWAV)

	wav := SilentWAV(0.1, 8000)
	_, err = parseWAV(wav[:40])
	assert.Error(t, err)
}

func TestLinguaDetector(t *testing.T) {
	d := NewLinguaDetector()
	lang, err := d.Detect("The quick brown fox jumps over the lazy dog and keeps running")
	require.NoError(t, err)
	assert.Equal(t, "en", lang)

	_, err = d.Detect("")
	assert.ErrorIs(t, err, ErrLanguageUndetected)
}

func TestParseGoogleTranslation(t *testing.T) {
	got, err := parseGoogleTranslation([]byte(`[[["Hello ","Bonjour ",null],["world","monde",null]],null,"fr"]`))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)

	_, err = parseGoogleTranslation([]byte(`[]`))
	assert.Error(t, err)
	_, err = parseGoogleTranslation([]byte(`not json`))
	assert.Error(t, err)
}

func TestGoogleTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fr", r.URL.Query().Get("sl"))
		assert.Equal(t, "en", r.URL.Query().Get("tl"))
		assert.Equal(t, "bonjour", r.URL.Query().Get("q"))
		w.Write([]byte(`[[["hello","bonjour"]]]`))
	}))
	defer srv.Close()

	got, err := NewGoogleTranslator(srv.URL).Translate(context.Background(), "bonjour", "fr", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestGoogleTranslator_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewGoogleTranslator(srv.URL).Translate(context.Background(), "x", "", "en")
	assert.ErrorContains(t, err, "429")
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"aaa bb", "cccc"}, splitText("aaa bb cccc", 6))
	assert.Equal(t, []string{"abcd", "ef"}, splitText("abcdef", 4))
	assert.Empty(t, splitText("   ", 10))
}

func TestGoogleSpeechClient_Chunks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "de", r.URL.Query().Get("tl"))
		w.Write([]byte("[" + r.URL.Query().Get("idx") + "]"))
	}))
	defer srv.Close()

	text := strings.Repeat("wort ", 100) // 500 runes
	audio, err := NewGoogleSpeechClient(srv.URL).Synthesize(context.Background(), text, "de")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "[0][1][2]", string(audio))
}

func TestDeepLTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DeepL-Auth-Key k", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "EN-US", r.Form.Get("target_lang"))
		assert.Equal(t, "PT", r.Form.Get("source_lang"))
		json.NewEncoder(w).Encode(map[string]any{"translations": []map[string]string{{"text": "hello"}}})
	}))
	defer srv.Close()

	got, err := NewDeepLTranslator("k", srv.URL).Translate(context.Background(), "olá", "pt", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = NewDeepLTranslator("", srv.URL).Translate(context.Background(), "x", "", "en")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWhisperCpp_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "1", r.FormValue("beam_size"))
		json.NewEncoder(w).Encode(map[string]any{
			"language":                      "french",
			"duration":                      2.5,
			"detected_language_probability": 0.93,
			"segments": []map[string]any{
				{"start": 0, "end": 1.2, "text": " Bonjour"},
				{"start": 1.2, "end": 2.5, "text": " le monde"},
			},
		})
	}))
	defer srv.Close()

	c := NewWhisperCppClient(srv.URL+"/", quietLogger())
	res, err := c.Transcribe(context.Background(), writeTemp(t, "a.wav", SilentWAV(0.1, 8000)), Options{BeamSize: 1})
	require.NoError(t, err)
	assert.Equal(t, "fr", res.Language)
	assert.InDelta(t, 0.93, res.LanguageProbability, 1e-9)
	assert.Equal(t, 2.5, res.Duration)
	assert.Equal(t, "Bonjour le monde", res.Text())
}

func TestWhisperCpp_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"language":"en","segments":[]}`))
	}))
	defer srv.Close()

	c := NewWhisperCppClient(srv.URL, quietLogger(), WithRetry(3, time.Millisecond))
	res, err := c.Transcribe(context.Background(), writeTemp(t, "a.wav", []byte("x")), Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, res.Segments)
}

func TestWhisperCpp_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWhisperCppClient(srv.URL, quietLogger(), WithRetry(3, time.Millisecond))
	_, err := c.Transcribe(context.Background(), writeTemp(t, "a.wav", []byte("x")), Options{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWhisperCpp_NotConfigured(t *testing.T) {
	_, err := NewWhisperCppClient("", quietLogger()).Transcribe(context.Background(), "x", Options{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestOpenAIWhisper_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, ModelWhisper1, r.FormValue("model"))
		w.Write([]byte(`{"language":"english","duration":1.5,"segments":[{"start":0,"end":1.5,"text":"hi"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIWhisperClient("key", srv.URL, "", quietLogger())
	res, err := c.Transcribe(context.Background(), writeTemp(t, "a.mp3", []byte("x")), Options{})
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, 1.0, res.LanguageProbability)
	assert.Equal(t, "hi", res.Text())
}

func TestOpenAISpeech_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAISpeechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Input)
		assert.Equal(t, "mp3", req.ResponseFormat)
		w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	audio, err := NewOpenAISpeechClient("key", srv.URL).Synthesize(context.Background(), "hello", "en")
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio", string(audio))
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "fr", normalizeLanguage(" French "))
	assert.Equal(t, "tr", normalizeLanguage("tr"))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(http.StatusBadGateway, nil))
	assert.False(t, isRetryableError(http.StatusBadRequest, nil))
	assert.True(t, isRetryableError(0, errors.New("read: connection reset by peer")))
}

func TestNew_ResolvesEngines(t *testing.T) {
	cfg := &config.Config{STTEngine: "stub", Translator: "deepl", DeepLKey: "k", TTSEngine: "google", LangDetector: "lingua"}
	set, err := New(cfg, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "stub", set.Transcriber.Name())
	assert.Equal(t, "deepl", set.Translator.Name())
	assert.Equal(t, "google", set.Synthesizer.Name())
	assert.IsType(t, &LinguaDetector{}, set.Detector)

	_, err = New(&config.Config{STTEngine: "openai", Translator: "stub", TTSEngine: "stub", LangDetector: "stub"}, quietLogger())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(&config.Config{STTEngine: "vosk"}, quietLogger())
	assert.Error(t, err)
}
