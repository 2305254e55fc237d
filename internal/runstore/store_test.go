package runstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrisjihee/KLUE-baseline/internal/logging"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := tempDB(t)
	rec, err := s.CreateRun(RunRecord{
		Command:   "train",
		Task:      "ynat",
		Version:   "v1.1.1-0101_000000",
		OutputDir: "/tmp/out/ynat/v1.1.1-0101_000000",
		ArgsJSON:  `{"seed":"42"}`,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if rec.RunID == "" || rec.Status != StatusRunning {
		t.Fatalf("unexpected record %+v", rec)
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Task != "ynat" || got.ArgsJSON != `{"seed":"42"}` || got.Status != StatusRunning {
		t.Fatalf("unexpected run %+v", got)
	}
	if !got.FinishedAt.IsZero() {
		t.Fatal("expected running run to have no finish time")
	}
}

func TestFinishRun(t *testing.T) {
	s := tempDB(t)
	ok, _ := s.CreateRun(RunRecord{Command: "train", Task: "ynat", Version: "v", OutputDir: "o"})
	bad, _ := s.CreateRun(RunRecord{Command: "test", Task: "wos", Version: "v", OutputDir: "o"})

	if err := s.FinishRun(ok.RunID, nil, "/ckpt/best.ckpt"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.FinishRun(bad.RunID, errors.New("boom"), ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, _ := s.GetRun(ok.RunID)
	if got.Status != StatusFinished || got.BestCkpt != "/ckpt/best.ckpt" || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected finished run %+v", got)
	}
	got, _ = s.GetRun(bad.RunID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Fatalf("unexpected failed run %+v", got)
	}

	if err := s.FinishRun("nope", nil, ""); err == nil {
		t.Fatal("expected unknown run error")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := tempDB(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, task := range []string{"ynat", "klue-nli", "klue-sts"} {
		if _, err := s.CreateRun(RunRecord{Command: "train", Task: task, Version: "v", OutputDir: "o", CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].Task != "klue-sts" || runs[1].Task != "klue-nli" {
		t.Fatalf("unexpected order %+v", runs)
	}
}

func TestMetricHistoryThroughSink(t *testing.T) {
	s := tempDB(t)
	run, _ := s.CreateRun(RunRecord{Command: "train", Task: "ynat", Version: "v", OutputDir: "o"})
	sink := &logging.DBSink{DB: s.DB(), RunID: run.RunID}
	sink.LogMetric(1, "train-loss", 0.9)
	sink.LogMetric(2, "valid-macro_f1", 40)
	sink.LogMetric(2, "train-loss", 0.5)

	hist, err := s.MetricHistory(run.RunID)
	if err != nil {
		t.Fatalf("MetricHistory: %v", err)
	}
	if len(hist) != 3 || hist[1].Key != "valid-macro_f1" || hist[2].Value != 0.5 {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestMetricForUnknownRunRejected(t *testing.T) {
	s := tempDB(t)
	err := logging.LogMetric(s.DB(), logging.MetricEntry{RunID: "missing", Key: "k"})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}
