// Package structlog is the JSON line logger used across the scoring
// service. Every record carries service, level and timestamp fields;
// a sanitizer masks credential-shaped fields before encoding.
package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string onto a level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Fields are the structured payload of one record.
type Fields map[string]interface{}

type ctxKeyCorrID struct{}

// Logger writes one JSON object per line, concurrency safe.
type Logger struct {
	service   string
	level     Level
	output    io.Writer
	mu        sync.Mutex
	fields    Fields
	sanitizer *Sanitizer
}

// Sanitizer masks values whose field names look like credentials.
type Sanitizer struct {
	patterns []string
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{patterns: []string{
		"password", "secret", "token", "apikey", "api_key", "authorization", "cookie",
	}}
}

// Sanitize returns a copy with credential-shaped values masked.
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		cleaned[k] = v
		lk := strings.ToLower(k)
		for _, pattern := range s.patterns {
			if strings.Contains(lk, pattern) {
				cleaned[k] = "MASKED"
				break
			}
		}
	}
	return cleaned
}

func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service:   serviceName,
		level:     level,
		output:    output,
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
}

// WithFields returns a child logger with extra base fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := &Logger{
		service:   l.service,
		level:     l.level,
		output:    l.output,
		sanitizer: l.sanitizer,
		fields:    make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithContext attaches the correlation id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

// DecisionEvent records one scoring decision for the audit trail.
func (l *Logger) DecisionEvent(decision string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "decision"
	fields["decision"] = decision
	l.log(LevelInfo, "decision scored", fields)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	record := make(Fields, len(l.fields)+len(fields)+4)
	for k, v := range l.fields {
		record[k] = v
	}
	for k, v := range fields {
		record[k] = v
	}
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["service"] = l.service
	record["message"] = message

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			record["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	record = l.sanitizer.Sanitize(record)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(record); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: encode failed: %v\n", err)
	}
}

// Correlation id plumbing.

func NewCorrelationID() string {
	return uuid.NewString()
}

func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID returns the existing id or mints one.
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}
