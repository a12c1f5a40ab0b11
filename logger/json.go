package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry. The field names follow the structured
// payload format expected by Cloud Logging so lines are filterable without
// a parsing step.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

type jsonLogger struct {
	level    LogLevel
	metadata map[string]interface{}
	prefixes []string
	writer   io.Writer
	mu       *sync.Mutex
}

var _ Logger = (*jsonLogger)(nil)

// NewJSON returns a Logger that writes one JSON object per line to w.
// If w is nil, stdout is used.
func NewJSON(level LogLevel, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &jsonLogger{
		level:  level,
		writer: w,
		mu:     &sync.Mutex{},
	}
}

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		level:    c.level,
		metadata: metadata,
		prefixes: append([]string{}, c.prefixes...),
		writer:   c.writer,
		mu:       c.mu,
	}
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = mergeMetadata(clone.metadata, metadata)
	return clone
}

func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	clone.prefixes = append(clone.prefixes, prefix)
	return clone
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level
}

func (c *jsonLogger) write(level LogLevel, severity, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: time.Now(),
		Message:   text,
		Severity:  severity,
		Metadata:  c.metadata,
		Component: strings.Join(c.prefixes, "."),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.mu.Lock()
	fmt.Fprintln(c.writer, string(buf))
	c.mu.Unlock()
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.write(LevelTrace, "DEBUG", msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.write(LevelDebug, "DEBUG", msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.write(LevelInfo, "INFO", msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.write(LevelWarn, "WARNING", msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.write(LevelError, "ERROR", msg, args...)
}
