package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/chrisjihee/KLUE-baseline/internal/runstore"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to runs.db")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show single run detail")
	key := flag.String("key", "", "show one metric key (latest value in list mode, full history in detail mode)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/runs.db [--last N] [--run id] [--key name] [--json]")
		os.Exit(2)
	}

	store, err := runstore.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *runID != "" {
		err = runDetailMode(os.Stdout, store, *runID, *key, *jsonOut)
	} else {
		err = runListMode(os.Stdout, store, *last, *key, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID     string   `json:"run_id"`
	Task      string   `json:"task"`
	Command   string   `json:"command"`
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Metric    *float64 `json:"metric,omitempty"`
	CreatedAt string   `json:"created_at"`
}

func runListMode(w io.Writer, store *runstore.Store, last int, key string, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	// Store returns DESC, reverse for chronological
	rows := make([]listRow, len(runs))
	for i, run := range runs {
		row := listRow{
			RunID:     run.RunID,
			Task:      run.Task,
			Command:   run.Command,
			Status:    run.Status,
			Version:   run.Version,
			CreatedAt: run.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if key != "" {
			history, err := store.MetricHistory(run.RunID)
			if err != nil {
				return err
			}
			if s, ok := summarize(history)[key]; ok {
				v := s.Last
				row.Metric = &v
			}
		}
		rows[len(runs)-1-i] = row
	}

	if jsonOut {
		return printJSON(w, rows)
	}
	printListTable(w, rows, key)
	return nil
}

func printListTable(w io.Writer, rows []listRow, key string) {
	metricHeader := key
	if metricHeader == "" {
		metricHeader = "-"
	}
	fmt.Fprintf(w, "%-8s  %-10s  %-8s  %-8s  %-20s  %12s  %s\n",
		"Run", "Task", "Command", "Status", "Version", metricHeader, "Time")
	fmt.Fprintf(w, "%-8s+-%-10s+-%-8s+-%-8s+-%-20s+-%12s+-%s\n",
		"--------", "----------", "--------", "--------", "--------------------", "------------", "--------------------")
	for _, r := range rows {
		metric := "-"
		if r.Metric != nil {
			metric = fmt.Sprintf("%.4f", *r.Metric)
		}
		fmt.Fprintf(w, "%-8s  %-10s  %-8s  %-8s  %-20s  %12s  %s\n",
			shortID(r.RunID), r.Task, r.Command, r.Status, r.Version, metric, r.CreatedAt)
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	RunID      string                   `json:"run_id"`
	Task       string                   `json:"task"`
	Command    string                   `json:"command"`
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Version    string                   `json:"version"`
	OutputDir  string                   `json:"output_dir"`
	BestCkpt   string                   `json:"best_ckpt,omitempty"`
	CreatedAt  string                   `json:"created_at"`
	FinishedAt string                   `json:"finished_at,omitempty"`
	Metrics    map[string]metricSummary `json:"metrics"`
	History    []runstore.MetricRow     `json:"history,omitempty"`
}

func runDetailMode(w io.Writer, store *runstore.Store, runID, key string, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	history, err := store.MetricHistory(runID)
	if err != nil {
		return err
	}

	out := detailOutput{
		RunID:     run.RunID,
		Task:      run.Task,
		Command:   run.Command,
		Status:    run.Status,
		Error:     run.Error,
		Version:   run.Version,
		OutputDir: run.OutputDir,
		BestCkpt:  run.BestCkpt,
		CreatedAt: run.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Metrics:   summarize(history),
	}
	if !run.FinishedAt.IsZero() {
		out.FinishedAt = run.FinishedAt.Format("2006-01-02T15:04:05Z")
	}
	if key != "" {
		for _, row := range history {
			if row.Key == key {
				out.History = append(out.History, row)
			}
		}
	}

	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Run:        %s\n", out.RunID)
	fmt.Fprintf(w, "Task:       %s (%s)\n", out.Task, out.Command)
	fmt.Fprintf(w, "Status:     %s\n", out.Status)
	if out.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", out.Error)
	}
	fmt.Fprintf(w, "Version:    %s\n", out.Version)
	fmt.Fprintf(w, "Output:     %s\n", out.OutputDir)
	fmt.Fprintf(w, "Best ckpt:  %s\n", out.BestCkpt)
	fmt.Fprintf(w, "Created:    %s\n", out.CreatedAt)

	fmt.Fprintf(w, "\nMetrics:\n")
	printSummaries(w, out.Metrics)

	if len(out.History) > 0 {
		fmt.Fprintf(w, "\nHistory of %s:\n", key)
		for _, row := range out.History {
			fmt.Fprintf(w, "  step %-6d %.4f\n", row.Step, row.Value)
		}
	}
	return nil
}

// #endregion detail-mode

// #region metrics

type metricSummary struct {
	Count int     `json:"count"`
	Last  float64 `json:"last"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func summarize(history []runstore.MetricRow) map[string]metricSummary {
	out := make(map[string]metricSummary)
	for _, row := range history {
		s, ok := out[row.Key]
		if !ok {
			s = metricSummary{Min: math.Inf(1), Max: math.Inf(-1)}
		}
		s.Count++
		s.Last = row.Value
		s.Min = math.Min(s.Min, row.Value)
		s.Max = math.Max(s.Max, row.Value)
		out[row.Key] = s
	}
	return out
}

// #endregion metrics

// #region output

func printSummaries(w io.Writer, summaries map[string]metricSummary) {
	keys := make([]string, 0, len(summaries))
	for k := range summaries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := summaries[k]
		fmt.Fprintf(w, "  %-28s last %.4f  min %.4f  max %.4f  (n=%d)\n", k, s.Last, s.Min, s.Max, s.Count)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
