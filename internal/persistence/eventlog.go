package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/cavesim/internal/engine"
)

// EventLog writes one JSON line per event into a zstd-compressed file per
// simulated day: <dir>/day-01.jsonl.zst, <dir>/day-02.jsonl.zst, ...
type EventLog struct {
	dir string

	mu     sync.Mutex
	curDay int
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

// NewEventLog creates a log under dir. Files are opened lazily.
func NewEventLog(dir string) *EventLog {
	return &EventLog{dir: dir, curDay: -1}
}

// Write appends ev to the file of its day.
func (l *EventLog) Write(ev engine.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Day != l.curDay || l.w == nil {
		if err := l.rotateLocked(ev.Day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the current file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

// PathForDay returns the file holding day's events.
func (l *EventLog) PathForDay(day int) string {
	return filepath.Join(l.dir, fmt.Sprintf("day-%02d.jsonl.zst", day+1))
}

func (l *EventLog) rotateLocked(day int) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.PathForDay(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curDay = day
	return nil
}

func (l *EventLog) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err
}
