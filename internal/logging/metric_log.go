package logging

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// #region metric-entry
// MetricEntry is one row of the run store's metrics table.
type MetricEntry struct {
	RunID     string
	Step      int
	Key       string
	Value     float64
	CreatedAt time.Time
}

// #endregion metric-entry

// #region log-metric
// LogMetric writes a metric entry to the metrics table.
func LogMetric(db *sql.DB, entry MetricEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO metrics (run_id, step, key, value, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Step,
		entry.Key,
		entry.Value,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log metric: %w", err)
	}
	return nil
}

// #endregion log-metric

// #region db-sink
// DBSink forwards every metric of one run into the metrics table.
type DBSink struct {
	DB    *sql.DB
	RunID string
}

// LogMetric implements trainer.MetricSink. SQLite stores NaN as NULL, so
// undefined scores are left out of the metrics table.
func (s *DBSink) LogMetric(step int, key string, value float64) error {
	if math.IsNaN(value) {
		return nil
	}
	return LogMetric(s.DB, MetricEntry{RunID: s.RunID, Step: step, Key: key, Value: value})
}

// #endregion db-sink
