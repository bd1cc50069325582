package capture

import (
	"fmt"
	"os"
	"path/filepath"
)

// Writer persists an encoded frame under name and returns where it went.
type Writer interface {
	Write(name string, data []byte) (string, error)
}

// FileWriter writes frames as files in a single directory.
type FileWriter struct {
	Dir string
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileWriter{Dir: dir}, nil
}

func (w *FileWriter) Write(name string, data []byte) (string, error) {
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Remove(path) // no partial files
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
