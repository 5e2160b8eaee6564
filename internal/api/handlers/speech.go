package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/ledger"
	"github.com/voxgate/backend/internal/speech"
)

// multipartOverhead leaves room for boundaries and small form fields on top
// of the file itself.
const multipartOverhead = 1 << 20

type SpeechHandler struct {
	svc          *speech.Service
	ledger       *ledger.Ledger
	maxUpload    int64
	exposeErrors bool
	log          *slog.Logger
}

func NewSpeechHandler(svc *speech.Service, l *ledger.Ledger, cfg *config.Config, logger *slog.Logger) *SpeechHandler {
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = config.DefaultMaxUploadBytes
	}
	return &SpeechHandler{
		svc:          svc,
		ledger:       l,
		maxUpload:    maxUpload,
		exposeErrors: cfg.ExposeErrors,
		log:          logger.With("component", "handlers.speech"),
	}
}

// Transcribe answers with the joined transcript, or the segment list when
// ?segments=true or form field mode=segments is given.
func (h *SpeechHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	h.transcribe(w, r, speech.ModeJoined, false)
}

// LegacyTranscribe serves /fwhisper/transcribe: segment list with word
// timing, and the probability under language_prob as well.
func (h *SpeechHandler) LegacyTranscribe(w http.ResponseWriter, r *http.Request) {
	h.transcribe(w, r, speech.ModeSegments, true)
}

func (h *SpeechHandler) transcribe(w http.ResponseWriter, r *http.Request, mode speech.Mode, legacy bool) {
	upload, done, err := h.readUpload(w, r)
	defer done()

	if mode == speech.ModeJoined {
		mode = speech.ParseMode(firstNonEmpty(r.URL.Query().Get("segments"), r.URL.Query().Get("mode"), formValue(r, "mode")))
	}
	id := h.open(r, ledger.KindTranscribe, upload.FileName, map[string]interface{}{"segments": mode == speech.ModeSegments})

	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}

	var opts []speech.TranscribeOption
	if legacy {
		opts = append(opts, speech.WithWordTimestamps())
	}

	res, err := h.svc.Transcribe(r.Context(), upload, opts...)
	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}

	h.finish(id, summary(res.Joined()), nil)
	if legacy {
		jsonResponse(w, res.CompatSegments(), http.StatusOK)
		return
	}
	jsonResponse(w, res.Response(mode), http.StatusOK)
}

// Translate transcribes the upload and translates it to target_lang
// (form field or query, default "en").
func (h *SpeechHandler) Translate(w http.ResponseWriter, r *http.Request) {
	h.translate(w, r, false)
}

// LegacyTranslate serves /fwhisper/translate.
func (h *SpeechHandler) LegacyTranslate(w http.ResponseWriter, r *http.Request) {
	h.translate(w, r, true)
}

func (h *SpeechHandler) translate(w http.ResponseWriter, r *http.Request, legacy bool) {
	upload, done, err := h.readUpload(w, r)
	defer done()

	target := firstNonEmpty(formValue(r, "target_lang"), r.URL.Query().Get("target_lang"))
	id := h.open(r, ledger.KindTranslate, upload.FileName, map[string]string{"target_lang": target})

	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}

	resp, err := h.svc.Translate(r.Context(), upload, target)
	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}

	result := summary(resp.TranscriptionResponse)
	result["target_language"] = resp.TargetLanguage
	h.finish(id, result, nil)
	if legacy {
		jsonResponse(w, resp.Compat(), http.StatusOK)
		return
	}
	jsonResponse(w, resp, http.StatusOK)
}

// Synthesize renders the text field to mp3. The audio file is deleted only
// after the response body has been written and flushed.
func (h *SpeechHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, multipartOverhead)

	text, err := readText(r)
	id := h.open(r, ledger.KindSynthesize, text, nil)
	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}

	sp, err := h.svc.Synthesize(r.Context(), text)
	if err != nil {
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}
	defer sp.Release()

	f, err := os.Open(sp.Path)
	if err != nil {
		err = speech.ProcessingFailure("failed to open synthesized audio", err)
		h.finish(id, nil, err)
		h.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", sp.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(sp.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": sp.FileName}))
	w.Header().Set("Content-Language", sp.Language)
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if err != nil {
		h.log.Warn("speech response interrupted", "written", n, "error", err)
		h.finish(id, nil, err)
		return
	}
	h.finish(id, map[string]interface{}{"language": sp.Language, "bytes": n}, nil)
}

// readUpload parses the multipart body entirely in memory and returns the
// "file" part. done must always be called.
func (h *SpeechHandler) readUpload(w http.ResponseWriter, r *http.Request) (speech.Upload, func(), error) {
	noop := func() {}
	limit := h.maxUpload + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return speech.Upload{}, noop, speech.InvalidInput(fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
		}
		return speech.Upload{}, noop, speech.InvalidInput("expected a multipart/form-data body with a file field")
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return speech.Upload{}, cleanup, speech.InvalidInput("file is required")
	}
	if header.Size > h.maxUpload {
		file.Close()
		return speech.Upload{}, cleanup, speech.InvalidInput(fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
	}

	upload := speech.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	return upload, func() {
		file.Close()
		cleanup()
	}, nil
}

// readText accepts a form field (urlencoded or multipart) or a JSON body.
func readText(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", speech.InvalidInput("invalid request body")
		}
		return body.Text, nil
	}
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartOverhead); err != nil {
			return "", speech.InvalidInput("invalid form body")
		}
		return r.FormValue("text"), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", speech.InvalidInput("invalid form body")
	}
	return r.FormValue("text"), nil
}

func (h *SpeechHandler) writeError(w http.ResponseWriter, err error) {
	status := speech.HTTPStatus(err)
	msg := "internal error"

	var se *speech.Error
	if errors.As(err, &se) {
		msg = se.Message
		if se.Kind == speech.KindInvalidInput && se.Cause != nil {
			msg = se.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
		if h.exposeErrors {
			msg = err.Error()
		}
	}
	jsonError(w, msg, status)
}

func (h *SpeechHandler) open(r *http.Request, kind ledger.Kind, subject string, params interface{}) string {
	rec, err := h.ledger.Open(kind, subject, r.RemoteAddr, params)
	if err != nil {
		h.log.Warn("ledger open failed", "error", err)
		return ""
	}
	if rec == nil {
		return ""
	}
	h.ledger.Start(rec.ID)
	return rec.ID
}

func (h *SpeechHandler) finish(id string, result interface{}, err error) {
	h.ledger.Finish(id, result, err)
}

func summary(t speech.TranscriptionResponse) map[string]interface{} {
	return map[string]interface{}{
		"language":             t.Language,
		"language_probability": t.LanguageProbability,
		"duration":             t.Duration,
		"chars":                len(t.Transcription),
	}
}

func formValue(r *http.Request, key string) string {
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
