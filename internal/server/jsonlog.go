// jsonlog.go - Structured logging for audit and operator-facing events.
//
// Request traffic goes through the plain log lines in logging.go; this logger
// exists for the two event classes that need machine-readable detail: security
// rejections (kept server-side, clients only see a generic message) and
// storage inconsistencies flagged by the upload path or the sweep.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// Logger writes structured entries, either as JSON (production) or as
// key=value text (development).
type Logger struct {
	output   io.Writer
	minLevel LogLevel
	asJSON   bool
}

type logEntry struct {
	Level  LogLevel       `json:"level"`
	Time   string         `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// DefaultLogger is the process-wide logger instance, configured from
// CN_LOG_FORMAT and CN_LOG_LEVEL.
var DefaultLogger = newLoggerFromEnv()

func newLoggerFromEnv() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: parseLogLevel(os.Getenv("CN_LOG_LEVEL")),
		asJSON:   os.Getenv("CN_LOG_FORMAT") == "json" || os.Getenv("CN_ENV") == "production",
	}
}

func parseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "info", "warn", "error":
		return LogLevel(s)
	default:
		return LogLevelInfo
	}
}

func (l *Logger) log(level LogLevel, event string, fields map[string]any, err error) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := logEntry{
		Level:  level,
		Time:   time.Now().UTC().Format(time.RFC3339),
		Event:  event,
		Fields: fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if l.asJSON {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	fmt.Fprintf(l.output, "[%s] %s %s", entry.Level, entry.Time, entry.Event)
	for k, v := range entry.Fields {
		fmt.Fprintf(l.output, " %s=%v", k, v)
	}
	if entry.Error != "" {
		fmt.Fprintf(l.output, " error=%s", entry.Error)
	}
	fmt.Fprintln(l.output)
}

func (l *Logger) Info(event string, fields map[string]any) {
	l.log(LogLevelInfo, event, fields, nil)
}

func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(LogLevelWarn, event, fields, nil)
}

func (l *Logger) Error(event string, fields map[string]any, err error) {
	l.log(LogLevelError, event, fields, err)
}

// auditAuthFailure records a security-relevant rejection with full detail.
// The HTTP response carries only a generic message.
func auditAuthFailure(rid, where string, err error) {
	DefaultLogger.Warn("auth_rejected", map[string]any{
		"rid":    rid,
		"where":  where,
		"reason": err.Error(),
	})
}

// reportInconsistency records a note/file invariant violation that needs
// operator attention.
func reportInconsistency(rid, noteID string, err error) {
	DefaultLogger.Error("storage_inconsistency", map[string]any{
		"rid":     rid,
		"note_id": noteID,
	}, err)
}
