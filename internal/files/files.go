// Package files stores reassembled uploads on disk.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/omochice/socket-chat/internal/chat"
)

// maxNameAttempts bounds the "name (n).ext" search.
const maxNameAttempts = 1000

// ErrInvalidName is returned for filenames that sanitize to nothing.
var ErrInvalidName = errors.New("invalid filename")

// Store writes uploads into a single directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// New creates the upload directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Sanitize reduces a client-supplied filename to a safe base name.
func Sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimSpace(name)
	if name == "" || name == "/" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return name, nil
}

// CheckName implements chat.FileStore.
func (s *Store) CheckName(filename string) (string, error) {
	return Sanitize(filename)
}

// Save writes data under the sanitized filename. An existing file with the
// same content is reused; one with different content is kept and the upload
// is stored as "name (n).ext" instead. New files appear atomically.
func (s *Store) Save(ctx context.Context, filename string, data []byte) (chat.StoredFile, error) {
	name, err := Sanitize(filename)
	if err != nil {
		return chat.StoredFile{}, fmt.Errorf("%w: %q", err, filename)
	}
	if err := ctx.Err(); err != nil {
		return chat.StoredFile{}, err
	}

	stored := chat.StoredFile{Size: int64(len(data)), Digest: xxhash.Sum64(data)}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored.Name, stored.Reused, err = s.pickName(name, stored.Digest)
	if err != nil {
		return chat.StoredFile{}, err
	}
	stored.Path = filepath.Join(s.dir, stored.Name)
	if stored.Reused {
		s.logger.Info("File already stored", "path", stored.Path, "checksum", stored.Checksum())
		return stored, nil
	}

	if err := s.write(stored.Path, data); err != nil {
		return chat.StoredFile{}, err
	}
	s.logger.Info("Stored file",
		"path", stored.Path,
		"size", stored.Size,
		"checksum", stored.Checksum(),
	)
	return stored, nil
}

// pickName returns the first free candidate for name, or the candidate that
// already holds content with the given digest.
func (s *Store) pickName(name string, digest uint64) (string, bool, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}

	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		existing, err := s.Digest(candidate)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return candidate, false, nil
		case err != nil:
			return "", false, err
		case existing == digest:
			return candidate, true, nil
		}
	}
	return "", false, fmt.Errorf("no free name for %q after %d attempts", name, maxNameAttempts)
}

func (s *Store) write(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

// Digest returns the xxhash64 of the stored file name.
func (s *Store) Digest(name string) (uint64, error) {
	name, err := Sanitize(name)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash file: %w", err)
	}
	return h.Sum64(), nil
}
