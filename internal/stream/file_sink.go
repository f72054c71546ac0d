package stream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rastercache/internal/raster"
)

// FileSink writes each variable to a flat little-endian file.
// Structure: {dir}/{variable}.raw, written as {variable}.raw.tmp until Close.
type FileSink struct {
	mu    sync.Mutex
	dir   string
	log   *zap.Logger
	files map[string]*os.File
}

func NewFileSink(dir string, log *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSink{
		dir:   dir,
		log:   log,
		files: make(map[string]*os.File),
	}, nil
}

// Path returns the final file path of variable.
func (s *FileSink) Path(variable string) string {
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(variable)
	return filepath.Join(s.dir, name+".raw")
}

func (s *FileSink) file(variable string) (*os.File, error) {
	if f, ok := s.files[variable]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.Path(variable)+".tmp", os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output for %q: %w", variable, err)
	}
	s.files[variable] = f
	return f, nil
}

// WriteBlock writes data at byte offset pos*elemSize.
func (s *FileSink) WriteBlock(ctx context.Context, variable string, pos int64, data *raster.Array) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(int(data.SizeInBytes()))
	if _, err := data.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(variable)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), pos*int64(data.Type().ElemSize())); err != nil {
		return fmt.Errorf("failed to write block of %q at %d: %w", variable, pos, err)
	}
	return nil
}

// Close closes every output and moves it to its final path.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for variable, f := range s.files {
		tmpPath := f.Name()
		if err := f.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close output for %q: %w", variable, err))
			continue
		}
		if err := os.Rename(tmpPath, s.Path(variable)); err != nil {
			os.Remove(tmpPath)
			errs = multierr.Append(errs, fmt.Errorf("failed to finalize output for %q: %w", variable, err))
			continue
		}
		s.log.Debug("Finalized output", zap.String("variable", variable), zap.String("path", s.Path(variable)))
	}
	s.files = make(map[string]*os.File)
	return errs
}

// Abort closes every output and removes it without publishing anything at the
// final paths.
func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for variable, f := range s.files {
		tmpPath := f.Name()
		if err := f.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close output for %q: %w", variable, err))
		}
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove output for %q: %w", variable, err))
			continue
		}
		s.log.Debug("Discarded output", zap.String("variable", variable))
	}
	s.files = make(map[string]*os.File)
	return errs
}
