// Package logger provides structured JSON logging and run metrics for the
// SNIS scraper.
//
// Log lines are single JSON objects with a timestamp, level, message and
// optional fields, written to stderr by default so that command output on
// stdout stays machine-readable.
//
// Metrics track counters (requests issued, retries, entries saved), gauges
// (entries remaining) and timings (per-table fetch durations). The portal
// client and the download driver record into the package-level tracker; the
// CLI prints a snapshot at the end of a run.
//
// Example usage:
//
//	logger.Info("Entry saved", logger.Fields{
//	    "year":     2021,
//	    "variable": "neumonia",
//	})
//
//	logger.Error("Entry failed", logger.Fields{"phase": "ready"}, err)
//
//	logger.IncrCounter("portal.requests")
//	logger.RecordTiming("portal.fetch_table", duration)
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel reads a --log-level value, case-insensitively.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}

// Logger writes one JSON object per line. It is safe for concurrent use.
type Logger struct {
	minLevel Level
	mu       sync.Mutex
	output   io.Writer
}

// Fields are the structured values attached to a line.
type Fields map[string]interface{}

// LogEntry is the JSON shape of a line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
	Error     string `json:"error,omitempty"`
}

var defaultLogger = New(LevelInfo, os.Stderr)

// New creates a logger that drops lines below level.
func New(level Level, output io.Writer) *Logger {
	return &Logger{minLevel: level, output: output}
}

// SetDefault replaces the logger behind Debug, Info, Warn and Error. The CLI
// calls it once per command.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

func (l *Logger) log(level Level, message string, fields Fields, err error) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Fields:    fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	data, marshalErr := json.Marshal(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	if marshalErr != nil {
		// A field that cannot be encoded still leaves a trace of the message.
		fmt.Fprintf(l.output, "[%s] %s: %s (marshal error: %v)\n",
			entry.Timestamp, entry.Level, entry.Message, marshalErr)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

// Debug carries per-request detail: postbacks, retries, enumerated groups.
func (l *Logger) Debug(message string, fields Fields) {
	l.log(LevelDebug, message, fields, nil)
}

// Info reports progress: years enumerated, entries saved, files written.
func (l *Logger) Info(message string, fields Fields) {
	l.log(LevelInfo, message, fields, nil)
}

// Warn marks an entry or year that failed while the run goes on.
func (l *Logger) Warn(message string, fields Fields) {
	l.log(LevelWarn, message, fields, nil)
}

func (l *Logger) Error(message string, fields Fields, err error) {
	l.log(LevelError, message, fields, err)
}

func Debug(message string, fields Fields) { defaultLogger.Debug(message, fields) }

func Info(message string, fields Fields) { defaultLogger.Info(message, fields) }

func Warn(message string, fields Fields) { defaultLogger.Warn(message, fields) }

func Error(message string, fields Fields, err error) { defaultLogger.Error(message, fields, err) }

// Metrics accumulates the run's counters, gauges and timings. Safe for
// concurrent use by the download workers.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

var defaultMetrics = NewMetrics()

func NewMetrics() *Metrics {
	return &Metrics{
		counters: map[string]int64{},
		gauges:   map[string]float64{},
		timings:  map[string][]time.Duration{},
	}
}

func (m *Metrics) IncrCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *Metrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// SetGauge overwrites a gauge; download.remaining is set before every pass.
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *Metrics) RecordTiming(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name] = append(m.timings[name], duration)
}

// GetSnapshot copies the metrics under the keys "counters", "gauges" and
// "timings". Each timing is summarized as count, total, average, min and max.
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	timings := make(map[string]map[string]interface{}, len(m.timings))
	for name, durations := range m.timings {
		if len(durations) > 0 {
			timings[name] = summarize(durations)
		}
	}
	return map[string]interface{}{
		"counters": maps.Clone(m.counters),
		"gauges":   maps.Clone(m.gauges),
		"timings":  timings,
	}
}

func summarize(durations []time.Duration) map[string]interface{} {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return map[string]interface{}{
		"count":   len(durations),
		"total":   total.String(),
		"average": (total / time.Duration(len(durations))).String(),
		"min":     slices.Min(durations).String(),
		"max":     slices.Max(durations).String(),
	}
}

func IncrCounter(name string) { defaultMetrics.IncrCounter(name) }

func Counter(name string) int64 { return defaultMetrics.Counter(name) }

func SetGauge(name string, value float64) { defaultMetrics.SetGauge(name, value) }

func RecordTiming(name string, duration time.Duration) { defaultMetrics.RecordTiming(name, duration) }

// GetMetricsSnapshot snapshots the package-level metrics for the run report.
func GetMetricsSnapshot() map[string]interface{} {
	return defaultMetrics.GetSnapshot()
}
