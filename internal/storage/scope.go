// Package storage owns the ephemeral files that carry audio into and out of
// the inference engine.
//
// A Scope is created per request (or per stream flush) and closed with
// defer. Every artifact it hands out is deleted exactly once: either by an
// explicit Release or by Close, whichever comes first. Deleting a file that
// is already gone is not an error.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Artifact kinds double as file name prefixes.
const (
	KindUpload = "upload"
	KindStream = "stream"
	KindSpeech = "tts"
)

// ErrScopeClosed is returned when staging into a scope that was already closed.
var ErrScopeClosed = errors.New("storage: scope closed")

// Meta describes the source of an artifact.
type Meta struct {
	Kind        string
	FileName    string // client-supplied; never used verbatim in a path
	ContentType string
}

// Artifact is one ephemeral file owned by a Scope.
type Artifact struct {
	Path        string
	FileName    string
	ContentType string
	Size        int64

	released bool
}

type Scope struct {
	dir  string
	log  *slog.Logger
	mu   sync.Mutex
	held []*Artifact

	closed bool
}

func NewScope(dir string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		dir: dir,
		log: logger.With("component", "storage.scope"),
	}
}

// Stage copies src into a fresh file. On any failure the partial file is
// removed before returning.
func (s *Scope) Stage(src io.Reader, meta Meta) (*Artifact, error) {
	a, f, err := s.create(meta.Kind, meta.FileName, safeExtension(meta.FileName))
	if err != nil {
		return nil, err
	}
	a.FileName = meta.FileName
	a.ContentType = meta.ContentType

	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		s.Release(a)
		return nil, fmt.Errorf("stage %s: %w", meta.Kind, err)
	}
	a.Size = n
	s.log.Debug("artifact staged", "path", a.Path, "bytes", n)
	return a, nil
}

// StageBytes is Stage for an in-memory payload.
func (s *Scope) StageBytes(data []byte, meta Meta) (*Artifact, error) {
	return s.Stage(bytes.NewReader(data), meta)
}

func (s *Scope) create(kind, label, ext string) (*Artifact, *os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrScopeClosed
	}

	name := kind
	if frag := SanitizeFragment(label); frag != "" {
		name += "-" + frag
	}
	name += "-" + uuid.NewString() + ext

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s artifact: %w", kind, err)
	}

	a := &Artifact{Path: path}
	s.held = append(s.held, a)
	return a, f, nil
}

// Release deletes the artifact's file. Only the first call per artifact
// touches the filesystem; a missing file is ignored and other failures are
// logged, never returned.
func (s *Scope) Release(a *Artifact) {
	if a == nil {
		return
	}
	s.mu.Lock()
	if a.released {
		s.mu.Unlock()
		return
	}
	a.released = true
	s.mu.Unlock()

	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("failed to remove artifact", "path", a.Path, "error", err)
		return
	}
	s.log.Debug("artifact released", "path", a.Path)
}

// Close releases everything the scope still holds. Safe to call repeatedly.
func (s *Scope) Close() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.closed = true
	s.mu.Unlock()

	for _, a := range held {
		s.Release(a)
	}
}

// Held reports how many artifacts have not been released yet.
func (s *Scope) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.held {
		if !a.released {
			n++
		}
	}
	return n
}
