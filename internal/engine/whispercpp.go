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
	"strconv"
	"strings"
	"time"
)

// WhisperCppClient talks to the whisper.cpp HTTP server (whisper-server)
type WhisperCppClient struct {
	baseURL    string
	httpClient *http.Client
	convert    bool
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
}

// WhisperCppOption configures a WhisperCppClient.
type WhisperCppOption func(*WhisperCppClient)

// WithConvert runs inputs through ffmpeg before upload. Needed when the
// server was started without --convert and clients send compressed audio.
func WithConvert(convert bool) WhisperCppOption {
	return func(c *WhisperCppClient) { c.convert = convert }
}

// WithRetry sets the retry budget for transient server errors.
func WithRetry(maxRetries int, backoff time.Duration) WhisperCppOption {
	return func(c *WhisperCppClient) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// NewWhisperCppClient creates a client for the whisper.cpp server
func NewWhisperCppClient(baseURL string, logger *slog.Logger, opts ...WhisperCppOption) *WhisperCppClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WhisperCppClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // transcription can be very long
		},
		maxRetries: 3,
		backoff:    time.Second,
		log:        logger.With("component", "engine.whispercpp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WhisperCppClient) Name() string {
	return "whisper.cpp"
}

// whisperVerboseResponse is the verbose_json body returned by whisper-server.
type whisperVerboseResponse struct {
	Language                    string  `json:"language"`
	Duration                    float64 `json:"duration"`
	Text                        string  `json:"text"`
	DetectedLanguage            string  `json:"detected_language"`
	DetectedLanguageProbability float64 `json:"detected_language_probability"`
	Segments                    []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe sends an audio file to whisper-server and returns timed segments.
func (c *WhisperCppClient) Transcribe(ctx context.Context, path string, opts Options) (*Transcription, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("whisper.cpp: %w", ErrNotConfigured)
	}

	audioPath := path
	if c.convert {
		converted, err := convertToWAV(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("convert audio: %w", err)
		}
		defer os.Remove(converted)
		audioPath = converted
	}

	return c.sendWithRetry(ctx, audioPath, opts)
}

func (c *WhisperCppClient) sendWithRetry(ctx context.Context, audioPath string, opts Options) (*Transcription, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<uint(attempt-1))
			c.log.Warn("retrying transcription", "attempt", attempt, "max_retries", c.maxRetries, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, status, err := c.doSend(ctx, audioPath, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isOOMError(err.Error()) {
			return nil, fmt.Errorf("whisper.cpp out of memory, try a smaller model: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryableError(status, nil) && !isRetryableError(0, err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("whisper.cpp failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *WhisperCppClient) doSend(ctx context.Context, audioPath string, opts Options) (*Transcription, int, error) {
	// Build multipart form
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	audioFile, err := os.Open(audioPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open audio: %w", err)
	}
	defer audioFile.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, 0, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audioFile); err != nil {
		return nil, 0, fmt.Errorf("copy audio data: %w", err)
	}

	writer.WriteField("response_format", "verbose_json")
	writer.WriteField("temperature", "0.0")
	if opts.BeamSize > 0 {
		writer.WriteField("beam_size", strconv.Itoa(opts.BeamSize))
	}
	if opts.WordTimestamps {
		writer.WriteField("split_on_word", "true")
	}
	if opts.Language != "" && opts.Language != "auto" {
		writer.WriteField("language", opts.Language)
	}
	writer.Close()

	url := c.baseURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	c.log.Debug("sending request", "url", url, "audio", audioPath, "beam_size", opts.BeamSize)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("whisper server request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("whisper server error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed whisperVerboseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parse response: %w", err)
	}

	result := &Transcription{
		Language:            normalizeLanguage(firstNonEmpty(parsed.DetectedLanguage, parsed.Language)),
		LanguageProbability: parsed.DetectedLanguageProbability,
		Duration:            parsed.Duration,
		Segments:            make([]Segment, 0, len(parsed.Segments)),
	}
	for _, s := range parsed.Segments {
		result.Segments = append(result.Segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	// A pinned language has no detection step.
	if result.LanguageProbability == 0 && opts.Language != "" && opts.Language != "auto" {
		result.LanguageProbability = 1
	}
	result.Normalize()
	return result, resp.StatusCode, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
