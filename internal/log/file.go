package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Closeable is implemented by handlers that own a resource.
type Closeable interface {
	Close() error
}

// fileSink is the shared, rotating destination behind every FileHandler
// derived through WithAttrs/WithGroup.
type fileSink struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, os.ErrClosed
	}
	if s.size+int64(len(p)) > s.maxSize && s.size > 0 {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *fileSink) rotate() error {
	s.file.Close()

	backup := s.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(s.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	s.prune()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create new log file: %w", err)
	}
	s.file = f
	s.size = 0
	return nil
}

// prune removes backups beyond maxBackups or older than maxAge.
func (s *fileSink) prune() {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return
	}
	// Backup names embed a sortable timestamp; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	cutoff := time.Now().Add(-s.maxAge)
	for i, path := range matches {
		if i >= s.maxBackups {
			os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil && s.maxAge > 0 && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// FileHandler writes logs to a file with size-based rotation.
type FileHandler struct {
	sink  *fileSink
	inner slog.Handler
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	sink := &fileSink{
		path:       cfg.FilePath,
		file:       f,
		size:       info.Size(),
		maxSize:    maxSize,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(sink, opts)
	} else {
		inner = slog.NewTextHandler(sink, opts)
	}
	return &FileHandler{sink: sink, inner: inner}, nil
}

// Enabled implements slog.Handler.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{sink: h.sink, inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{sink: h.sink, inner: h.inner.WithGroup(name)}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	return h.sink.Close()
}
