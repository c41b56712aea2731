package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSize    = 50 * 1024 * 1024
	defaultMaxAge     = 7 * 24 * time.Hour
	defaultMaxBackups = 5
)

// rotatingWriter is an io.Writer over a log file that is renamed aside once it
// grows past maxSize. Backups older than maxAge or beyond maxBackups are removed.
type rotatingWriter struct {
	path       string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(path string, cfg *RotationConfig) (*rotatingWriter, error) {
	w := &rotatingWriter{
		path:       path,
		maxSize:    defaultMaxSize,
		maxAge:     defaultMaxAge,
		maxBackups: defaultMaxBackups,
	}
	if cfg != nil {
		if cfg.MaxSize != "" {
			n, err := parseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("rotation max_size: %w", err)
			}
			w.maxSize = n
		}
		if cfg.MaxAge != "" {
			d, err := parseAge(cfg.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("rotation max_age: %w", err)
			}
			w.maxAge = d
		}
		if cfg.MaxBackups > 0 {
			w.maxBackups = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxSize && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.Rename(w.path, w.backupName(time.Now())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	go w.prune()
	return nil
}

func (w *rotatingWriter) backupName(at time.Time) string {
	ext := filepath.Ext(w.path)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(w.path, ext), at.Format("20060102T150405.000"), ext)
}

func (w *rotatingWriter) backups() []string {
	ext := filepath.Ext(w.path)
	matches, _ := filepath.Glob(strings.TrimSuffix(w.path, ext) + "-*" + ext)
	// Backup names embed a sortable timestamp.
	sort.Strings(matches)
	return matches
}

func (w *rotatingWriter) prune() {
	var kept []string
	for _, b := range w.backups() {
		info, err := os.Stat(b)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > w.maxAge {
			_ = os.Remove(b)
			continue
		}
		kept = append(kept, b)
	}
	for len(kept) > w.maxBackups {
		_ = os.Remove(kept[0])
		kept = kept[1:]
	}
}

// parseSize parses sizes such as "512KB", "50MB" or a plain byte count.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// parseAge accepts Go durations plus day ("7d") and week ("2w") suffixes.
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.Atoi(strings.TrimSuffix(s, suffix))
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid age %q", s)
			}
			return time.Duration(n) * unit, nil
		}
	}
	return time.ParseDuration(s)
}
