package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	maxOpenAIFileSize = 25 * 1024 * 1024 // 25MB upload limit

	// ModelWhisper1 is the hosted Whisper model.
	ModelWhisper1 = "whisper-1"
	// ModelTTS1 is the OpenAI TTS model optimized for speed.
	ModelTTS1 = "tts-1"
	// VoiceAlloy is the neutral default voice.
	VoiceAlloy = "alloy"
)

// OpenAIWhisperClient uses the OpenAI Whisper API
type OpenAIWhisperClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewOpenAIWhisperClient(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIWhisperClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if model == "" {
		model = ModelWhisper1
	}
	return &OpenAIWhisperClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		log: logger.With("component", "engine.openai"),
	}
}

func (c *OpenAIWhisperClient) Name() string {
	return "openai"
}

type openAIVerboseResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (c *OpenAIWhisperClient) Transcribe(ctx context.Context, path string, opts Options) (*Transcription, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxOpenAIFileSize {
		return nil, fmt.Errorf("openai: file is %d bytes, limit is %d", info.Size(), maxOpenAIFileSize)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	audioFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer audioFile.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, audioFile); err != nil {
		return nil, err
	}

	writer.WriteField("model", c.model)
	writer.WriteField("response_format", "verbose_json")
	writer.WriteField("timestamp_granularities[]", "segment")
	if opts.WordTimestamps {
		writer.WriteField("timestamp_granularities[]", "word")
	}
	if opts.Language != "" && opts.Language != "auto" {
		writer.WriteField("language", opts.Language)
	}
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug("sending transcription request", "model", c.model)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed openAIVerboseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	result := &Transcription{
		Language: normalizeLanguage(parsed.Language),
		Duration: parsed.Duration,
		Segments: make([]Segment, 0, len(parsed.Segments)),
	}
	for _, s := range parsed.Segments {
		result.Segments = append(result.Segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	// The hosted API reports the language but not its probability.
	if result.Language != "" {
		result.LanguageProbability = 1
	}
	result.Normalize()
	return result, nil
}

// OpenAISpeechClient implements Synthesizer using OpenAI's text-to-speech API.
type OpenAISpeechClient struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

func NewOpenAISpeechClient(apiKey, baseURL string) *OpenAISpeechClient {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAISpeechClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      ModelTTS1,
		voice:      VoiceAlloy,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OpenAISpeechClient) Name() string {
	return "openai"
}

type openAISpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize ignores lang: the model infers it from the input text.
func (c *OpenAISpeechClient) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai tts: %w", ErrNotConfigured)
	}

	payload, err := json.Marshal(openAISpeechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI TTS request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI TTS error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
