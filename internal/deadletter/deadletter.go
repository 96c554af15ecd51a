// Package deadletter records payloads that could not be applied to a sink.
// The log is append-only and never read back by the sync engine.
package deadletter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log appends failed payloads to a text file.
type Log struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a Log writing to path. The file is created on first use.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record: a header line with the time, sync id and error,
// followed by the payload.
func (l *Log) Append(syncID string, payload []byte, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s sync_id=%q", l.now().UTC().Format(time.RFC3339), syncID)
	if cause != nil {
		fmt.Fprintf(&b, " error=%q", cause.Error())
	}
	b.WriteByte('\n')
	b.Write(payload)
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		b.WriteByte('\n')
	}

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write dead-letter record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter log: %w", err)
	}
	return nil
}
