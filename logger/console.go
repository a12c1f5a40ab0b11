package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	reset      = "\033[0m"
	red        = "\033[31m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	gray       = "\033[1;90m"
	redBold    = "\033[31;1m"
	yellowBold = "\033[33;1m"
)

type consoleLogger struct {
	level    LogLevel
	prefixes []string
	metadata map[string]interface{}
	writer   io.Writer
	mu       *sync.Mutex
}

var _ Logger = (*consoleLogger)(nil)

// NewConsole returns a Logger that writes human-readable, optionally
// colored lines to stderr.
func NewConsole(level LogLevel) Logger {
	return &consoleLogger{
		level:  level,
		writer: os.Stderr,
		mu:     &sync.Mutex{},
	}
}

// NewConsoleWithWriter returns a console Logger writing to w.
func NewConsoleWithWriter(level LogLevel, w io.Writer) Logger {
	return &consoleLogger{
		level:  level,
		writer: w,
		mu:     &sync.Mutex{},
	}
}

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		level:    c.level,
		prefixes: append([]string{}, c.prefixes...),
		metadata: metadata,
		writer:   c.writer,
		mu:       c.mu,
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = mergeMetadata(clone.metadata, metadata)
	return clone
}

func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	clone.prefixes = append(clone.prefixes, prefix)
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level
}

func (c *consoleLogger) formatMetadata() string {
	if len(c.metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.metadata))
	for k := range c.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, c.metadata[k]))
	}
	return color(gray) + sb.String() + color(reset)
}

func (c *consoleLogger) write(level LogLevel, levelColor, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	if len(c.prefixes) > 0 {
		text = strings.Join(c.prefixes, " ") + " " + text
	}
	line := fmt.Sprintf("%s %s[%-5s]%s %s%s\n",
		time.Now().Format("2006-01-02 15:04:05.000"),
		color(levelColor), levelName(level), color(reset),
		text, c.formatMetadata())
	c.mu.Lock()
	fmt.Fprint(c.writer, line)
	c.mu.Unlock()
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.write(LevelTrace, gray, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.write(LevelDebug, cyan, msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.write(LevelInfo, green, msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.write(LevelWarn, yellowBold, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.write(LevelError, redBold, msg, args...)
}
