package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".aac": true,
	".ogg": true, ".oga": true, ".opus": true, ".flac": true,
	".webm": true, ".amr": true, ".3gp": true, ".wma": true,
}

// maxFragment bounds how much of a client-supplied name ends up in a path.
const maxFragment = 24

func IsAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

// SanitizeFragment reduces a client-supplied file name to a short
// [a-z0-9_-] stem. Directory components and the extension are dropped.
func SanitizeFragment(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var sb strings.Builder
	for _, r := range strings.ToLower(base) {
		if sb.Len() >= maxFragment {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		case r == ' ' || r == '.':
			sb.WriteByte('_')
		}
	}
	return strings.Trim(sb.String(), "_-")
}

// safeExtension keeps the extension only when it names a known audio format.
func safeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if audioExtensions[ext] {
		return ext
	}
	return ".bin"
}

// EnsureDir creates the work directory if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

// Sweep removes artifacts left in dir by a previous process. Only regular
// files directly inside dir whose names carry one of our prefixes are
// touched.
func Sweep(dir string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	absBase, err := filepath.Abs(dir)
	if err != nil {
		return 0
	}
	entries, err := os.ReadDir(absBase)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !hasArtifactPrefix(entry.Name()) {
			continue
		}
		full := filepath.Join(absBase, entry.Name())
		// Prevent path traversal
		if filepath.Dir(full) != absBase {
			continue
		}
		if err := os.Remove(full); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.Info("removed stale artifacts", "component", "storage", "dir", absBase, "count", removed)
	}
	return removed
}

func hasArtifactPrefix(name string) bool {
	for _, kind := range []string{KindUpload, KindStream, KindSpeech} {
		if strings.HasPrefix(name, kind+"-") {
			return true
		}
	}
	return false
}
