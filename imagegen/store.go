package imagegen

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// filenamePattern accepts only names this store produces.
var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+\.png$`)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ImageStore writes generated images under a single directory and serves
// them back by filename. Written files are never modified.
type ImageStore struct {
	dir string
}

// NewImageStore creates dir if needed.
func NewImageStore(dir string) (*ImageStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("imagegen: output directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagegen: create output directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("imagegen: resolve output directory: %w", err)
	}
	return &ImageStore{dir: abs}, nil
}

// Dir returns the absolute output directory.
func (s *ImageStore) Dir() string { return s.dir }

// Filename builds "{model short name}_{unix seconds}_{8 hex}.png".
func Filename(model string, at time.Time) string {
	short := unsafeChars.ReplaceAllString(ShortName(model), "-")
	short = strings.Trim(short, ".-")
	if short == "" {
		short = "image"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s.png", short, at.Unix(), suffix)
}

// Save writes data under a fresh filename and returns the name and the
// absolute path. The file appears under its final name only once complete.
func (s *ImageStore) Save(model string, data []byte, at time.Time) (filename, path string, err error) {
	filename = Filename(model, at)
	path = filepath.Join(s.dir, filename)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*.png")
	if err != nil {
		return "", "", fmt.Errorf("imagegen: create temp image: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", "", fmt.Errorf("imagegen: write image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", "", fmt.Errorf("imagegen: sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", "", fmt.Errorf("imagegen: close image: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", "", fmt.Errorf("imagegen: rename image: %w", err)
	}
	return filename, path, nil
}

// Path returns the path of a stored image. Names with path separators,
// traversal or a non-png extension fail with ErrInvalidFilename.
func (s *ImageStore) Path(filename string) (string, error) {
	if filename != filepath.Base(filename) || strings.Contains(filename, "..") || !filenamePattern.MatchString(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	path := filepath.Join(s.dir, filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, filename)
	}
	return path, nil
}
