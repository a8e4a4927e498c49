// Package audit appends security-relevant account events to a JSON-lines
// file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeDenied  = "denied"
)

type Event struct {
	At        string `json:"at"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	RequestID string `json:"request_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Logger serializes events onto one lazily opened append-only file.
type Logger struct {
	path    string
	nowFunc func() time.Time

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewLogger returns a logger appending to path. An empty path disables it.
func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

func (l *Logger) Log(e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	if e.At == "" {
		e.At = l.nowFunc().UTC().Format(time.RFC3339)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(); err != nil {
		return err
	}
	if err := l.enc.Encode(e); err != nil {
		return fmt.Errorf("write audit event %s: %w", e.Action, err)
	}
	return nil
}

// Close releases the file handle; a later Log reopens it.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.enc = nil, nil
	return err
}

func (l *Logger) openLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	l.file, l.enc = f, json.NewEncoder(f)
	return nil
}
