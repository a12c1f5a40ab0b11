package logger

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogEntry is a single recorded log call.
type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

// TestLogger records log entries for assertions in tests.
type TestLogger struct {
	mu       sync.Mutex
	metadata map[string]interface{}
	entries  *[]TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

// NewTest returns a TestLogger that records every entry.
func NewTest() *TestLogger {
	entries := make([]TestLogEntry, 0)
	return &TestLogger{entries: &entries}
}

// Entries returns a copy of all recorded entries.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

// Contains reports whether any recorded message contains substr.
func (c *TestLogger) Contains(substr string) bool {
	for _, e := range c.Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return &TestLogger{
		metadata: mergeMetadata(c.metadata, metadata),
		entries:  c.entries,
	}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) record(severity, msg string, args ...interface{}) {
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, TestLogEntry{
		Severity: severity,
		Message:  text,
		Metadata: c.metadata,
	})
	c.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.record("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.record("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.record("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.record("WARN", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.record("ERROR", msg, args...) }
