package extract

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidName is returned by Save for file names with nothing usable left
// after cleaning.
var ErrInvalidName = errors.New("invalid file name")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoredFile is an upload saved under the root. FileRef is what
// doc_analysis tickets pass as file_ref.
type StoredFile struct {
	FileRef   string `json:"file_ref"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// MaxSize returns the per-file limit; 0 means none.
func (e *Extractor) MaxSize() int64 {
	return e.maxSize
}

// Save writes r to <root>/<owner>/<uuid>-<name>. Files with an unsupported
// extension or over the size limit are rejected and nothing stays on disk.
func (e *Extractor) Save(owner, name string, r io.Reader) (*StoredFile, error) {
	base := cleanName(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if base == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !e.Supported(base) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(base))
	}
	dir := cleanName(owner)
	if dir == "" {
		dir = "_"
	}

	if err := os.MkdirAll(filepath.Join(e.root, dir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	ref := filepath.Join(dir, uuid.NewString()+"-"+base)
	path := filepath.Join(e.root, ref)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", ref, err)
	}
	src := r
	if e.maxSize > 0 {
		src = io.LimitReader(r, e.maxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && e.maxSize > 0 && n > e.maxSize {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, e.maxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to write %s: %w", ref, err)
	}

	return &StoredFile{FileRef: filepath.ToSlash(ref), Name: base, SizeBytes: n}, nil
}

// cleanName keeps a single safe path element, or "" if none is left.
func cleanName(s string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	if strings.Trim(s, "._") == "" {
		return ""
	}
	return s
}
