package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	googleTranslateURL = "https://translate.googleapis.com/translate_a/single"
	googleTTSURL       = "https://translate.google.com/translate_tts"

	// googleTTSChunk is the longest text the public TTS endpoint accepts per call.
	googleTTSChunk = 200
)

// GoogleTranslator uses the public Google Translate endpoint (the same one
// googletrans-style clients use). No API key.
type GoogleTranslator struct {
	endpoint   string
	httpClient *http.Client
}

func NewGoogleTranslator(endpoint string) *GoogleTranslator {
	if endpoint == "" {
		endpoint = googleTranslateURL
	}
	return &GoogleTranslator{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GoogleTranslator) Name() string {
	return "google"
}

func (g *GoogleTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if source == "" {
		source = "auto"
	}
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", source)
	q.Set("tl", target)
	q.Set("dt", "t")
	q.Set("q", text)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("google translate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google translate error (status %d): %s", resp.StatusCode, string(body))
	}

	return parseGoogleTranslation(body)
}

// parseGoogleTranslation extracts the translated sentences from the nested
// array response: [[["translated","original",...],...],...].
func parseGoogleTranslation(body []byte) (string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("parse response: empty body")
	}

	var sentences [][]any
	if err := json.Unmarshal(raw[0], &sentences); err != nil {
		return "", fmt.Errorf("parse sentences: %w", err)
	}

	var sb strings.Builder
	for _, s := range sentences {
		if len(s) == 0 {
			continue
		}
		if part, ok := s[0].(string); ok {
			sb.WriteString(part)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("google translate returned no text")
	}
	return sb.String(), nil
}

// GoogleSpeechClient synthesizes mp3 through the public translate_tts
// endpoint, splitting long text on word boundaries.
type GoogleSpeechClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewGoogleSpeechClient(endpoint string) *GoogleSpeechClient {
	if endpoint == "" {
		endpoint = googleTTSURL
	}
	return &GoogleSpeechClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GoogleSpeechClient) Name() string {
	return "google"
}

func (g *GoogleSpeechClient) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	chunks := splitText(text, googleTTSChunk)
	var out bytes.Buffer
	for i, chunk := range chunks {
		q := url.Values{}
		q.Set("ie", "UTF-8")
		q.Set("client", "tw-ob")
		q.Set("tl", lang)
		q.Set("q", chunk)
		q.Set("total", fmt.Sprint(len(chunks)))
		q.Set("idx", fmt.Sprint(i))
		q.Set("textlen", fmt.Sprint(utf8.RuneCountInString(chunk)))

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("google tts request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("google tts error (status %d, chunk %d)", resp.StatusCode, i)
		}
		// MP3 frames concatenate into a valid stream.
		out.Write(body)
	}
	return out.Bytes(), nil
}

// splitText cuts text into pieces of at most limit runes, preferring spaces.
func splitText(text string, limit int) []string {
	words := strings.Fields(text)
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, w := range words {
		for utf8.RuneCountInString(w) > limit {
			flush()
			r := []rune(w)
			chunks = append(chunks, string(r[:limit]))
			w = string(r[limit:])
		}
		wl := utf8.RuneCountInString(w)
		if curLen > 0 && curLen+1+wl > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(w)
		curLen += wl
	}
	flush()
	return chunks
}
