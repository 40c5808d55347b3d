// Package audit implements the append-only daily event log (C12): one
// JSON-lines file per calendar day, written in a fixed local timezone.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// Log appends audit entries to one file per calendar day under dir.
type Log struct {
	mu       sync.Mutex
	dir      string
	loc      *time.Location
	openDay  string
	file     *os.File
}

// New creates a Log writing under dir, naming files by day in loc (the
// local timezone the operator configured, not necessarily UTC).
func New(dir string, loc *time.Location) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{dir: dir, loc: loc}, nil
}

func (l *Log) fileForDay(day string) (*os.File, error) {
	if l.file != nil && l.openDay == day {
		return l.file, nil
	}
	if l.file != nil {
		l.file.Close()
	}

	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file for %s: %w", day, err)
	}
	l.file = f
	l.openDay = day
	return f, nil
}

// Append writes one entry as a JSON line, rotating to the correct day's
// file based on entry.Timestamp.
func (l *Log) Append(entry model.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Unix(int64(entry.Timestamp), 0).In(l.loc)
	day := ts.Format("2006-01-02")

	f, err := l.fileForDay(day)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	raw = append(raw, '\n')

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close releases the currently open day's file handle, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadDay reads all parseable entries for the given day (format
// "2006-01-02"), skipping malformed lines rather than failing outright.
func ReadDay(dir, day string) ([]model.AuditEntry, error) {
	path := filepath.Join(dir, day+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file for %s: %w", day, err)
	}
	defer f.Close()

	var entries []model.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry model.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
