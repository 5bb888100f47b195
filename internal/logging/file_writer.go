package logging

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileConfig configures the rotating local archive
type FileConfig struct {
	// FileTemplate names the files, e.g. "/var/log/llm-broker/calls-%s.jsonl".
	// The verb is replaced with a timestamp.
	FileTemplate  string
	MaxSize       int64
	MaxFiles      int
	FlushInterval time.Duration
}

// FileWriter archives call records as JSON Lines into size-rotated local files.
type FileWriter struct {
	fileTemplate  string
	maxSize       int64
	maxFiles      int
	flushInterval time.Duration

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	seq         int
	closed      bool

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewFileWriter opens the first archive file and starts the periodic flush.
func NewFileWriter(cfg FileConfig) (*FileWriter, error) {
	if cfg.FileTemplate == "" {
		return nil, fmt.Errorf("file template is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	w := &FileWriter{
		fileTemplate:  cfg.FileTemplate,
		maxSize:       cfg.MaxSize,
		maxFiles:      cfg.MaxFiles,
		flushInterval: cfg.FlushInterval,
		doneCh:        make(chan struct{}),
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// newFileName applies the current timestamp to the template. The sequence
// suffix keeps names unique when rotating within one second.
func (w *FileWriter) newFileName() string {
	w.seq++
	timestamp := fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102150405"), w.seq)
	return fmt.Sprintf(w.fileTemplate, timestamp)
}

// openFile must be called with mu held or before the writer is shared.
func (w *FileWriter) openFile() error {
	w.currentFile = w.newFileName()
	dir := filepath.Dir(w.currentFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(w.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat archive file: %w", err)
	}
	w.currentSize = fi.Size()
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded must be called with mu held.
func (w *FileWriter) rotateIfNeeded(n int) error {
	if w.currentSize == 0 || w.currentSize+int64(n) < w.maxSize {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close archive file: %w", err)
	}
	if err := w.openFile(); err != nil {
		return err
	}
	w.cleanupOldFiles()
	return nil
}

// cleanupOldFiles removes the oldest files beyond maxFiles.
func (w *FileWriter) cleanupOldFiles() {
	if w.maxFiles <= 0 {
		return
	}
	matches, err := filepath.Glob(fmt.Sprintf(w.fileTemplate, "*"))
	if err != nil {
		return
	}

	// timestamped names sort chronologically
	sort.Strings(matches)
	for i := 0; i < len(matches)-w.maxFiles; i++ {
		if matches[i] == w.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
}

func (w *FileWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				_ = w.writer.Flush()
			}
			w.mu.Unlock()
		case <-w.doneCh:
			return
		}
	}
}

// WriteBatch appends records to the current file and returns its name.
func (w *FileWriter) WriteBatch(ctx context.Context, records []CallRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	data, err := encodeJSONLines(records)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", fmt.Errorf("file writer is closed")
	}
	if err := w.rotateIfNeeded(len(data)); err != nil {
		return "", err
	}
	if _, err := w.writer.Write(data); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}
	w.currentSize += int64(len(data))
	return w.currentFile, nil
}

// CurrentFile returns the file records are appended to.
func (w *FileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile
}

// Close flushes buffered records and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.doneCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush archive file: %w", err)
	}
	return w.file.Close()
}
