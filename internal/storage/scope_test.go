package storage

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestScope_StageWritesContent(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())
	defer scope.Close()

	a, err := scope.Stage(strings.NewReader("RIFFdata"), Meta{
		Kind:        KindUpload,
		FileName:    "My Voice Memo.WAV",
		ContentType: "audio/wav",
	})
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(a.Path))
	assert.Equal(t, int64(8), a.Size)
	assert.Equal(t, "My Voice Memo.WAV", a.FileName)
	assert.Equal(t, "audio/wav", a.ContentType)

	base := filepath.Base(a.Path)
	assert.True(t, strings.HasPrefix(base, "upload-my_voice_memo-"), base)
	assert.True(t, strings.HasSuffix(base, ".wav"), base)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(data))
	assert.Equal(t, 1, scope.Held())
}

func TestScope_NamesIgnoreTraversal(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())
	defer scope.Close()

	for _, name := range []string{
		"../../etc/passwd",
		`..\..\windows\system32\evil.mp3`,
		"/absolute/path.ogg",
		"....",
		"",
	} {
		a, err := scope.StageBytes([]byte("x"), Meta{Kind: KindUpload, FileName: name})
		require.NoError(t, err, name)
		assert.Equal(t, dir, filepath.Dir(a.Path), name)
		assert.NotContains(t, filepath.Base(a.Path), "..", name)
	}
	assert.Len(t, listDir(t, dir), 5)
}

func TestScope_UniqueNamesForSameInput(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())
	defer scope.Close()

	a, err := scope.StageBytes([]byte("one"), Meta{Kind: KindSpeech, FileName: "en.mp3"})
	require.NoError(t, err)
	b, err := scope.StageBytes([]byte("two"), Meta{Kind: KindSpeech, FileName: "en.mp3"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
	assert.True(t, strings.HasPrefix(filepath.Base(a.Path), "tts-en-"))
}

func TestScope_ReleaseTwice(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())

	a, err := scope.StageBytes([]byte("audio"), Meta{Kind: KindUpload, FileName: "a.mp3"})
	require.NoError(t, err)

	scope.Release(a)
	_, err = os.Stat(a.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.NotPanics(t, func() { scope.Release(a) })
	_, err = os.Stat(a.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Equal(t, 0, scope.Held())
	scope.Close()
	scope.Close()
}

func TestScope_ReleaseMissingFile(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())

	a, err := scope.StageBytes([]byte("audio"), Meta{Kind: KindUpload, FileName: "a.mp3"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path))

	assert.NotPanics(t, func() { scope.Release(a) })
	assert.NotPanics(t, func() { scope.Release(nil) })
}

func TestScope_CloseReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := scope.StageBytes([]byte("x"), Meta{Kind: KindStream})
		require.NoError(t, err)
	}
	require.Len(t, listDir(t, dir), 3)

	scope.Close()
	assert.Empty(t, listDir(t, dir))

	_, err := scope.StageBytes([]byte("x"), Meta{Kind: KindStream})
	assert.ErrorIs(t, err, ErrScopeClosed)
	assert.Empty(t, listDir(t, dir))
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestScope_StageFailureRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	scope := NewScope(dir, quietLogger())
	defer scope.Close()

	_, err := scope.Stage(&failingReader{}, Meta{Kind: KindUpload, FileName: "a.wav"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, listDir(t, dir))
	assert.Equal(t, 0, scope.Held())
}

func TestScope_StageIntoMissingDir(t *testing.T) {
	scope := NewScope(filepath.Join(t.TempDir(), "missing"), quietLogger())
	defer scope.Close()

	_, err := scope.StageBytes([]byte("x"), Meta{Kind: KindUpload})
	require.Error(t, err)
	assert.Equal(t, 0, scope.Held())
}
