package logger

import (
	"fmt"
	"sync"
)

// Entry is one captured log line.
type Entry struct {
	Level   string
	Message string
	Tags    []any
}

// RecordingLogger keeps every line in memory. Tests use it to assert that a
// condition was reported loudly.
type RecordingLogger struct {
	mu      sync.Mutex
	entries *[]Entry
	tags    []any
}

func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{entries: &[]Entry{}}
}

func (l *RecordingLogger) record(level, msg string, tags []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := append(append([]any{}, l.tags...), tags...)
	*l.entries = append(*l.entries, Entry{Level: level, Message: msg, Tags: all})
}

// Entries returns the captured lines at level, or all lines when level is empty.
func (l *RecordingLogger) Entries(level string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range *l.entries {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func (l *RecordingLogger) Info(msg string, tags ...any)  { l.record("info", msg, tags) }
func (l *RecordingLogger) Debug(msg string, tags ...any) { l.record("debug", msg, tags) }
func (l *RecordingLogger) Warn(msg string, tags ...any)  { l.record("warn", msg, tags) }
func (l *RecordingLogger) Error(msg string, tags ...any) { l.record("error", msg, tags) }
func (l *RecordingLogger) Fatal(msg string, tags ...any) { l.record("fatal", msg, tags) }

func (l *RecordingLogger) Infof(format string, args ...any) {
	l.record("info", fmt.Sprintf(format, args...), nil)
}
func (l *RecordingLogger) Debugf(format string, args ...any) {
	l.record("debug", fmt.Sprintf(format, args...), nil)
}
func (l *RecordingLogger) Warnf(format string, args ...any) {
	l.record("warn", fmt.Sprintf(format, args...), nil)
}
func (l *RecordingLogger) Errorf(format string, args ...any) {
	l.record("error", fmt.Sprintf(format, args...), nil)
}
func (l *RecordingLogger) Fatalf(format string, args ...any) {
	l.record("fatal", fmt.Sprintf(format, args...), nil)
}

// With shares the entry buffer with the parent.
func (l *RecordingLogger) With(tags ...any) Logger {
	return &RecordingLogger{entries: l.entries, tags: append(append([]any{}, l.tags...), tags...)}
}
