package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// TimeFormat renders timestamps as month/day/year hour:minute:second.
const TimeFormat = "01/02/2006 15:04:05"

// #region logger
// New builds a logger whose lines carry timestamp, level, name and message.
func New(w io.Writer, name string, level string) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      TimeFormat,
		Prefix:          name,
		Level:           lvl,
	}), nil
}

// ParseLevel accepts debug, info, warn, error and fatal. Empty means info.
func ParseLevel(level string) (log.Level, error) {
	if strings.TrimSpace(level) == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return lvl, nil
}

// LogArgs writes an "Arguments:" block with one aligned key : value line per entry.
func LogArgs(l *log.Logger, keys []string, values map[string]string) {
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	l.Info("Arguments:")
	for _, k := range keys {
		l.Info(fmt.Sprintf("\t%*s : %s", width, k, values[k]))
	}
}

// #endregion logger
