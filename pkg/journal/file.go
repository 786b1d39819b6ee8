package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/rs/zerolog"
)

// FileJournal keeps each stream in "<dir>/<stream>.log".
type FileJournal struct {
	dir    string
	mu     sync.Mutex
	files  map[Kind]*os.File
	index  map[string]struct{}
	logger zerolog.Logger
}

// OpenFile opens (creating if needed) a file journal in dir and loads the
// imported-target index.
func OpenFile(dir string) (*FileJournal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &FileJournal{
		dir:    dir,
		files:  make(map[Kind]*os.File),
		index:  make(map[string]struct{}),
		logger: logging.NewLogger(logging.ComponentJournal),
	}

	keys, err := j.readLines(KindImportedTarget)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		j.index[key] = struct{}{}
	}

	j.logger.Debug().
		Str("dir", dir).
		Int("imported_targets", len(j.index)).
		Msg("Journal opened")

	return j, nil
}

// Dir returns the journal directory.
func (j *FileJournal) Dir() string {
	return j.dir
}

// Path returns the file backing kind.
func (j *FileJournal) Path(kind Kind) (string, error) {
	stream, err := kind.Stream()
	if err != nil {
		return "", err
	}
	return filepath.Join(j.dir, stream+".log"), nil
}

// Append implements Journal.
func (j *FileJournal) Append(ctx context.Context, kind Kind, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := encode(kind, record)
	if err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.file(kind)
	if err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("append %s record: %w", kind, err)
	}

	if kind == KindImportedTarget {
		j.index[line] = struct{}{}
	}
	appendsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// Imported implements Journal.
func (j *FileJournal) Imported(_ context.Context, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, ok := j.index[key]
	return ok, nil
}

// Records implements Journal.
func (j *FileJournal) Records(_ context.Context, kind Kind) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.readLines(kind)
}

// Close implements Journal.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []error
	for kind, f := range j.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s stream: %w", kind, err))
		}
		delete(j.files, kind)
	}
	return errors.Join(errs...)
}

// file returns the open append handle for kind. Caller holds j.mu.
func (j *FileJournal) file(kind Kind) (*os.File, error) {
	if f, ok := j.files[kind]; ok {
		return f, nil
	}

	path, err := j.Path(kind)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", kind, err)
	}
	j.files[kind] = f
	return f, nil
}

func (j *FileJournal) readLines(kind Kind) ([]string, error) {
	path, err := j.Path(kind)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", kind, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s stream: %w", kind, err)
	}
	return lines, nil
}
