package events

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Logger persists bus events to JSONL files, one per session. The files are
// the forensic complement to the audit snapshots: the snapshot says what the
// pipeline concluded, the log says when each step happened.
type Logger struct {
	dir         string
	unsubscribe func()
}

// NewLogger subscribes to the bus and appends every event to dir.
func NewLogger(dir string, bus *Bus) *Logger {
	l := &Logger{dir: dir}
	l.unsubscribe = bus.Subscribe(func(e Event) {
		_ = l.write(e)
	})
	return l
}

// Close unsubscribes the logger from the bus.
func (l *Logger) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *Logger) write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := l.path(e.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (l *Logger) path(sessionID string) string {
	if sessionID == "" {
		return filepath.Join(l.dir, "_global.jsonl")
	}
	return filepath.Join(l.dir, sessionID+".jsonl")
}
