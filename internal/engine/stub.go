package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// StubEngine produces deterministic results without any model. It implements
// Transcriber, Translator, Synthesizer and LanguageDetector so a development
// server can run with no external services.
type StubEngine struct {
	log *slog.Logger
}

// NewStubEngine returns an engine that generates placeholder output.
func NewStubEngine(logger *slog.Logger) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{log: logger.With("component", "engine.stub")}
}

func (e *StubEngine) Name() string {
	return "stub"
}

// Transcribe reports the WAV duration when the file has a RIFF header and
// returns no segments for digital silence. Anything else yields a single
// segment describing the payload.
func (e *StubEngine) Transcribe(ctx context.Context, path string, opts Options) (*Transcription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	result := &Transcription{Language: "en", LanguageProbability: 0.5}
	if opts.Language != "" && opts.Language != "auto" {
		result.Language = opts.Language
		result.LanguageProbability = 1
	}

	samples := data
	if info, err := parseWAV(data); err == nil {
		result.Duration = info.duration()
		samples = info.samples
	}

	if len(samples) > 0 && !isSilent(samples) {
		result.Segments = []Segment{{
			Start: 0,
			End:   result.Duration,
			Text:  fmt.Sprintf("[stub] received %d bytes", len(data)),
		}}
	}
	e.log.Debug("stub transcript", "bytes", len(data), "duration", result.Duration, "segments", len(result.Segments), "beam_size", opts.BeamSize)
	result.Normalize()
	return result, nil
}

func (e *StubEngine) Translate(ctx context.Context, text, source, target string) (string, error) {
	return fmt.Sprintf("[%s] %s", target, text), nil
}

// Synthesize returns an ID3-tagged payload carrying the text; enough for
// clients that only check the media type.
func (e *StubEngine) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("ID3")
	buf.Write([]byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	fmt.Fprintf(&buf, "%s:%s", lang, text)
	return buf.Bytes(), nil
}

// Detect recognises a handful of languages from stop words. It is only
// meant for development and tests.
func (e *StubEngine) Detect(text string) (string, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "", ErrLanguageUndetected
	}
	markers := map[string]string{
		"the": "en", "and": "en", "is": "en",
		"le": "fr", "la": "fr", "est": "fr", "bonjour": "fr",
		"der": "de", "die": "de", "und": "de",
		"el": "es", "los": "es", "hola": "es",
		"bir": "tr", "ve": "tr", "merhaba": "tr",
	}
	for _, w := range words {
		if lang, ok := markers[strings.Trim(w, ".,!?")]; ok {
			return lang, nil
		}
	}
	return "en", nil
}

var errNotWAV = errors.New("not a RIFF/WAVE file")

type wavInfo struct {
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	samples       []byte
}

func (w wavInfo) duration() float64 {
	bytesPerSecond := float64(w.sampleRate) * float64(w.channels) * float64(w.bitsPerSample) / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(len(w.samples)) / bytesPerSecond
}

// parseWAV walks the RIFF chunks looking for "fmt " and "data".
func parseWAV(data []byte) (wavInfo, error) {
	var info wavInfo
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return info, errNotWAV
	}

	r := bytes.NewReader(data[12:])
	var haveFmt bool
	for {
		var header struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return info, fmt.Errorf("wav: missing data chunk")
			}
			return info, err
		}

		switch string(header.ID[:]) {
		case "fmt ":
			var format struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return info, fmt.Errorf("wav: fmt chunk: %w", err)
			}
			info.channels = format.Channels
			info.sampleRate = format.SampleRate
			info.bitsPerSample = format.BitsPerSample
			haveFmt = true
			if rest := int64(header.Size) - 16; rest > 0 {
				r.Seek(rest, io.SeekCurrent)
			}
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("wav: data before fmt")
			}
			offset := len(data) - r.Len()
			end := offset + int(header.Size)
			if end > len(data) {
				end = len(data)
			}
			info.samples = data[offset:end]
			return info, nil
		default:
			r.Seek(int64(header.Size+header.Size%2), io.SeekCurrent)
		}
	}
}

func isSilent(samples []byte) bool {
	for _, b := range samples {
		if b != 0 {
			return false
		}
	}
	return true
}

// SilentWAV builds a 16-bit mono PCM WAV of the given length filled with zeros.
func SilentWAV(seconds float64, sampleRate uint32) []byte {
	dataSize := uint32(seconds * float64(sampleRate) * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, sampleRate)
	binary.Write(&buf, binary.LittleEndian, sampleRate*2)
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}
