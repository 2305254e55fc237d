package trainer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// #region results-logger
// ResultsLogger persists the metrics reported by each pass.
type ResultsLogger interface {
	LogMetrics(step int, m *Metrics) error
}

// MetricSink receives every metric row the CSV logger writes.
type MetricSink interface {
	LogMetric(step int, key string, value float64) error
}

// Record is one logged metric value.
type Record struct {
	Step  int
	Key   string
	Value float64
}

// CSVLogger writes metrics.csv and hparams.json under root/name/version.
type CSVLogger struct {
	dir     string
	file    *os.File
	w       *csv.Writer
	history []Record
	sinks   []MetricSink
}

// NewCSVLogger creates the versioned log directory and opens metrics.csv.
func NewCSVLogger(root, name, version string) (*CSVLogger, error) {
	dir := filepath.Join(root, name, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		return nil, fmt.Errorf("create metrics.csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "key", "value"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write metrics header: %w", err)
	}
	w.Flush()
	return &CSVLogger{dir: dir, file: f, w: w}, nil
}

// Dir is the versioned log directory.
func (l *CSVLogger) Dir() string { return l.dir }

// AddSink fans every future metric out to s.
func (l *CSVLogger) AddSink(s MetricSink) {
	l.sinks = append(l.sinks, s)
}

// LogHyperparams writes hparams.json.
func (l *CSVLogger) LogHyperparams(params map[string]any) error {
	b, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hparams: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, "hparams.json"), b, 0o644); err != nil {
		return fmt.Errorf("write hparams: %w", err)
	}
	return nil
}

// LogMetrics appends one row per metric.
func (l *CSVLogger) LogMetrics(step int, m *Metrics) error {
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		row := []string{strconv.Itoa(step), k, strconv.FormatFloat(v, 'g', -1, 64)}
		if err := l.w.Write(row); err != nil {
			return fmt.Errorf("write metric %s: %w", k, err)
		}
		l.history = append(l.history, Record{Step: step, Key: k, Value: v})
		for _, s := range l.sinks {
			if err := s.LogMetric(step, k, v); err != nil {
				return fmt.Errorf("sink metric %s: %w", k, err)
			}
		}
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush metrics: %w", err)
	}
	return nil
}

// History returns every record logged so far.
func (l *CSVLogger) History() []Record {
	return append([]Record(nil), l.history...)
}

// Close flushes and closes metrics.csv.
func (l *CSVLogger) Close() error {
	l.w.Flush()
	return l.file.Close()
}

// #endregion results-logger
