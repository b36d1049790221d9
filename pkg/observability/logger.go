package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/riskmesh/riskmesh/pkg/errors"
)

// StandardLogger is a structured logger that writes redacted key=value
// records to the process log and tees every record into a ring buffer for
// the log analyzer.
type StandardLogger struct {
	prefix string
	level  LogLevel
	base   map[string]interface{}
	ring   *RingBuffer
}

var levelHierarchy = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// NewStandardLogger creates a logger with the given prefix at INFO level.
// The ring buffer may be shared by multiple derived loggers; pass nil to
// disable retention.
func NewStandardLogger(prefix string, ring *RingBuffer) *StandardLogger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		ring:   ring,
	}
}

// WithLevel returns a copy of the logger with the specified minimum level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	clone := *l
	clone.level = level
	return &clone
}

// WithPrefix returns a logger with the given prefix sharing the same ring.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	clone := *l
	clone.prefix = prefix
	return &clone
}

// With returns a logger that attaches fields to every record.
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	clone := *l
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	clone.base = merged
	return &clone
}

// Ring returns the logger's ring buffer, nil when retention is disabled.
func (l *StandardLogger) Ring() *RingBuffer {
	return l.ring
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.emit(LogLevelDebug, msg, fields)
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.emit(LogLevelInfo, msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.emit(LogLevelWarn, msg, fields)
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(LogLevelError, msg, fields)
}

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.emit(LogLevelFatal, msg, fields)
	os.Exit(1)
}

func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	l.emit(LogLevelDebug, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Infof(format string, args ...interface{}) {
	l.emit(LogLevelInfo, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	l.emit(LogLevelWarn, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.emit(LogLevelError, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Fatalf(format string, args ...interface{}) {
	l.emit(LogLevelFatal, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	return levelHierarchy[level] >= levelHierarchy[l.level]
}

func (l *StandardLogger) emit(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.levelEnabled(level) {
		return
	}

	merged := fields
	if len(l.base) > 0 {
		merged = make(map[string]interface{}, len(l.base)+len(fields))
		for k, v := range l.base {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	redactedMsg := errors.RedactString(msg)
	redactedFields := errors.RedactFields(merged)

	requestID := ""
	if v, ok := redactedFields["request_id"].(string); ok {
		requestID = v
	}

	now := time.Now()
	if l.ring != nil {
		l.ring.Append(LogRecord{
			Time:      now,
			Level:     level,
			Prefix:    l.prefix,
			Message:   redactedMsg,
			Fields:    redactedFields,
			RequestID: requestID,
		})
	}

	log.Printf("%s [%s] [%s] %s%s",
		now.Format("2006-01-02T15:04:05.000Z07:00"), level, l.prefix,
		redactedMsg, formatFields(redactedFields))
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
