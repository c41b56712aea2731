// Package extract reads uploaded documents and returns their plain text.
package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat is returned for extensions with no extractor.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrNotFound is returned when the referenced file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrTooLarge is returned for files over the configured size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrOutsideRoot is returned for references escaping the upload directory.
	ErrOutsideRoot = errors.New("file reference outside upload directory")
)

// Document is an extracted file.
type Document struct {
	Name      string
	Extension string
	SizeBytes int64
	Text      string
}

type extractor func(f *os.File, size int64) (string, error)

// Extractor resolves file references under a root directory.
type Extractor struct {
	root    string
	maxSize int64
	byExt   map[string]extractor
}

// New returns an extractor rooted at dir. maxSize <= 0 disables the limit.
func New(dir string, maxSize int64) *Extractor {
	e := &Extractor{root: filepath.Clean(dir), maxSize: maxSize}
	e.byExt = map[string]extractor{".docx": readDocx}
	for _, ext := range []string{".txt", ".md", ".py", ".js", ".ts", ".go", ".json", ".csv", ".xml", ".html", ".yaml", ".yml", ".log"} {
		e.byExt[ext] = readText
	}
	return e
}

// Supported reports whether name has an extractable extension.
func (e *Extractor) Supported(name string) bool {
	_, ok := e.byExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Extensions lists supported extensions.
func (e *Extractor) Extensions() []string {
	exts := make([]string, 0, len(e.byExt))
	for ext := range e.byExt {
		exts = append(exts, ext)
	}
	return exts
}

// Resolve maps ref to an absolute path inside the root.
func (e *Extractor) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(e.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return p, nil
}

// ExtractText opens ref, extracts its text and closes it.
func (e *Extractor) ExtractText(ctx context.Context, ref string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := e.Resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}

	ext := strings.ToLower(filepath.Ext(path))
	read, ok := e.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if e.maxSize > 0 && info.Size() > e.maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, ref, info.Size(), e.maxSize)
	}

	text, err := read(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ref, err)
	}
	return &Document{
		Name:      filepath.Base(path),
		Extension: ext,
		SizeBytes: info.Size(),
		Text:      text,
	}, nil
}

// readText returns the file as UTF-8, decoding it as Latin-1 when it is not
// valid UTF-8.
func readText(f *os.File, _ int64) (string, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

// readDocx pulls paragraph text out of word/document.xml.
func readDocx(f *os.File, size int64) (string, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, zf := range zr.File {
		if zf.Name != "word/document.xml" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer func() { _ = rc.Close() }()
		return docxParagraphs(rc)
	}
	return "", errors.New("docx has no word/document.xml")
}

func docxParagraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var paragraphs []string
	var current strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(el)
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}
