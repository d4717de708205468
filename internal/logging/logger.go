package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARNING",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// sink is the state a logger shares with every logger derived from it.
type sink struct {
	mu         sync.Mutex
	level      Level
	jsonFormat bool
	output     io.Writer
	file       *os.File
}

// Logger writes leveled diagnostics. Stdout belongs to the result record,
// so the default output is stderr.
type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

// NewLogger creates a logger writing to stderr.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return NewLoggerWithWriter(level, jsonFormat, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level Level, jsonFormat bool, w io.Writer) *Logger {
	return &Logger{
		sink: &sink{
			level:      level,
			jsonFormat: jsonFormat,
			output:     w,
		},
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLoggerWithWriter(FATAL+1, false, io.Discard)
}

// AttachFile additionally appends every entry to path.
func (l *Logger) AttachFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = f
	s.output = io.MultiWriter(s.output, f)
	return nil
}

// Close closes the attached log file, if any.
func (l *Logger) Close() error {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// SetJSON switches between text lines and JSON entries.
func (l *Logger) SetJSON(enabled bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.jsonFormat = enabled
}

// SetLevel changes the level for this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level >= l.sink.level
}

// WithField returns a child logger that adds key to every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{sink: l.sink, fields: fields}
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.write(DEBUG, message, fields)
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.write(INFO, message, fields)
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.write(WARN, message, fields)
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.write(ERROR, message, fields)
}

// Fatal logs and exits with status 1.
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.write(FATAL, message, fields)
	os.Exit(1)
}

// Entry is one JSON log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) write(level Level, message string, extra []map[string]interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	for _, m := range extra {
		for k, v := range m {
			fields[k] = v
		}
	}

	now := time.Now()
	if s.jsonFormat {
		data, err := json.Marshal(Entry{
			Timestamp: now.Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    fields,
		})
		if err != nil {
			data, _ = json.Marshal(Entry{Timestamp: now.Format(time.RFC3339), Level: level.String(), Message: message})
		}
		s.output.Write(append(data, '\n'))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s - %s", now.Format("2006-01-02 15:04:05"), level, message)
	writeFields(&b, fields)
	b.WriteByte('\n')
	io.WriteString(s.output, b.String())
}

// writeFields renders fields as sorted key=value pairs.
func writeFields(b *strings.Builder, fields map[string]interface{}) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

// ParseLevel maps a level name to its Level. Unknown names mean WARN, the
// wrapper's default verbosity.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return WARN
	}
}
