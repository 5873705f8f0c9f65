// Package wal is the append-only audit log of engine activity. Every
// observation, evaluation, finding transition, and sweep lands here as one
// JSONL entry, so the full history of why a finding exists can be replayed.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryType defines the type of audit entry
type EntryType string

const (
	EntryObserved  EntryType = "observed"
	EntryEvaluated EntryType = "evaluated"
	EntryOpened    EntryType = "opened"
	EntryResolved  EntryType = "resolved"
	EntrySwept     EntryType = "swept"
	EntryFailed    EntryType = "failed"
)

// Entry is a single audit record
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	ARN       string          `json:"arn,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation, and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the standard audit log settings
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "vahti",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 7,
	}
}

// WAL is an append-only JSONL log with size-based rotation
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	config   Config
}

// Open creates or opens an audit log in the directory with default settings
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens an audit log with explicit settings
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "vahti"
	}

	w := &WAL{dir: dir, config: config}
	w.sequence = findLastSequenceInFiles(w.listFiles())

	if err := w.openNewFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the log
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the log
func (w *WAL) Append(entryType EntryType, arn string, data interface{}) error {
	return w.append(entryType, arn, data, nil)
}

// AppendError adds an entry carrying a failure
func (w *WAL) AppendError(entryType EntryType, arn string, data interface{}, cause error) error {
	return w.append(entryType, arn, data, cause)
}

func (w *WAL) append(entryType EntryType, arn string, data interface{}, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		ARN:       arn,
		Data:      jsonData,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}

	if w.shouldRotate() {
		return w.rotate()
	}
	return nil
}

func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if _, err := w.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	// Flush per entry; the log is the audit trail of record
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit log: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	if w.config.MaxFileSize <= 0 {
		return false
	}
	info, err := w.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openNewFile()
}

func (w *WAL) openNewFile() error {
	filename := fmt.Sprintf("%s-%s-%d.wal", w.config.FilePrefix, time.Now().UTC().Format("20060102-150405"), w.sequence)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

func (w *WAL) listFiles() []string {
	files, err := filepath.Glob(filepath.Join(w.dir, w.config.FilePrefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}

// Reader replays one audit log file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens one audit log file for replay
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}
	return &Reader{scanner: bufio.NewScanner(file), file: file}, nil
}

// Next reads the next entry, returning io.EOF at the end
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	return &entry, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds every entry after the given time to the handler, across all
// log files in the directory
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, config.FilePrefix+"-*.wal"))
	if err != nil {
		return fmt.Errorf("list audit log files: %w", err)
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// findLastSequenceInFiles scans existing files so sequences keep climbing
// across restarts
func findLastSequenceInFiles(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		for {
			entry, err := reader.Next()
			if err != nil {
				break
			}
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
		}
		_ = reader.Close()
	}
	return maxSeq
}
