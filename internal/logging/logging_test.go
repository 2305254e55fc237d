package logging

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region helpers
type oneBatch struct{ n int }

func (b oneBatch) Len() int                     { return b.n }
func (b oneBatch) Slice(i, j int) trainer.Batch { return oneBatch{n: j - i} }

type oneLoader struct{}

func (oneLoader) Len() int                { return 1 }
func (oneLoader) Batch(int) trainer.Batch { return oneBatch{n: 2} }
func (oneLoader) Shuffle(*rand.Rand)      {}

type fakeModule struct {
	lin *nn.Linear
}

func newFakeModule() *fakeModule {
	return &fakeModule{lin: nn.NewLinear("fake", 1, 1, rand.New(rand.NewSource(1)))}
}

func (m *fakeModule) Parameters() []*nn.Param { return m.lin.Params() }

func (m *fakeModule) ConfigureOptimizers(total int) (trainer.Optimizer, trainer.Scheduler) {
	opt := nn.NewAdamW(m.Parameters(), nn.DefaultAdamWConfig())
	return opt, nn.NewLinearSchedule(0.01, opt.NumGroups(), 0, total)
}

func (m *fakeModule) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	y := m.lin.Forward([]float64{1})
	l, d := nn.MSE(y[0], 1)
	m.lin.Backward([]float64{1}, []float64{d}, g)
	return l, b.Len(), nil
}

func (m *fakeModule) ValidationStep(context.Context, trainer.Batch) error { return nil }
func (m *fakeModule) OnValidationEpochStart()                             {}

func (m *fakeModule) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	log.Log(pass+"-accuracy", 50)
	log.Log("log", 1)
	log.Log("progress_bar", 1)
	return nil
}

type memResults struct {
	keys []string
}

func (r *memResults) LogMetrics(_ int, m *trainer.Metrics) error {
	r.keys = append(r.keys, m.Keys()...)
	return nil
}

func newTrainer(t *testing.T, results trainer.ResultsLogger, cb *Callback) *trainer.Trainer {
	t.Helper()
	cfg := trainer.DefaultConfig()
	cfg.NumSanityValSteps = 0
	tr, err := trainer.New(cfg, results, nil, cb)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr
}

func lines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// #endregion helpers

// #region callback-tests
func TestCallback_SilentBeforeFirstStep(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&buf, "klue", "info")
	cb := NewCallback(l)
	tr := newTrainer(t, nil, cb)

	if _, err := tr.Test(context.Background(), newFakeModule(), oneLoader{}, trainer.TestOptions{Pass: "test"}); err != nil {
		t.Fatalf("test: %v", err)
	}
	if err := cb.OnValidationEnd(tr, nil); err != nil {
		t.Fatalf("validation end: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output at step 0, got %q", buf.String())
	}
}

func TestCallback_ReportAfterTraining(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&buf, "klue", "info")
	cb := NewCallback(l)
	tr := newTrainer(t, nil, cb)
	m := newFakeModule()
	ctx := context.Background()

	if err := tr.Fit(ctx, m, oneLoader{}, nil); err != nil {
		t.Fatalf("fit: %v", err)
	}
	buf.Reset()
	if _, err := tr.Test(ctx, m, oneLoader{}, trainer.TestOptions{Pass: "test"}); err != nil {
		t.Fatalf("test: %v", err)
	}

	got := lines(buf.String())
	if len(got) != 4 {
		t.Fatalf("expected banner, step and 2 metric lines, got %d:\n%s", len(got), buf.String())
	}
	if !strings.Contains(got[0], "***** Test results *****") {
		t.Fatalf("expected banner first, got %q", got[0])
	}
	if !strings.Contains(got[1], "global_step = 1") {
		t.Fatalf("expected step line, got %q", got[1])
	}
	if !strings.Contains(got[2], "train-loss = ") || !strings.Contains(got[3], "test-accuracy = 50") {
		t.Fatalf("unexpected metric lines %q", got[2:])
	}
	for _, line := range got {
		if strings.Contains(line, "log = ") || strings.Contains(line, "progress_bar") {
			t.Fatalf("bookkeeping key leaked: %q", line)
		}
	}
}

func TestCallback_LogsLearningRates(t *testing.T) {
	l, _ := New(&bytes.Buffer{}, "klue", "info")
	results := &memResults{}
	tr := newTrainer(t, results, NewCallback(l))
	if err := tr.Fit(context.Background(), newFakeModule(), oneLoader{}, nil); err != nil {
		t.Fatalf("fit: %v", err)
	}
	joined := strings.Join(results.keys, ",")
	if !strings.Contains(joined, "lr_group_0") || !strings.Contains(joined, "lr_group_1") {
		t.Fatalf("expected both lr groups logged, got %v", results.keys)
	}
}

func TestCallback_NoSchedulerFails(t *testing.T) {
	l, _ := New(&bytes.Buffer{}, "klue", "info")
	cb := NewCallback(l)
	tr := newTrainer(t, nil, cb)
	if err := cb.OnBatchEnd(tr, nil); !errors.Is(err, ErrNoScheduler) {
		t.Fatalf("expected ErrNoScheduler, got %v", err)
	}
}

// #endregion callback-tests

// #region logger-tests
func TestNew_LineShape(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "klue", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello")
	l.Debug("hidden")
	out := buf.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "klue: hello") {
		t.Fatalf("unexpected line %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("expected debug to be filtered at info level")
	}
	stamp := strings.Fields(out)
	if _, err := time.Parse(TimeFormat, stamp[0]+" "+stamp[1]); err != nil {
		t.Fatalf("expected leading timestamp, got %q: %v", out, err)
	}
}

func TestParseLevel_Invalid(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if lvl, err := ParseLevel("DEBUG"); err != nil || lvl.String() != "debug" {
		t.Fatalf("expected debug level, got %v %v", lvl, err)
	}
}

func TestLogArgs_AlignsKeys(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&buf, "klue", "info")
	LogArgs(l, []string{"seed", "output_dir"}, map[string]string{"seed": "42", "output_dir": "out"})
	out := buf.String()
	if !strings.Contains(out, "Arguments:") || !strings.Contains(out, "      seed : 42") || !strings.Contains(out, "output_dir : out") {
		t.Fatalf("unexpected args block %q", out)
	}
}

// #endregion logger-tests

// #region log-metric-tests
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE metrics (
		run_id     TEXT NOT NULL,
		step       INTEGER NOT NULL,
		key        TEXT NOT NULL,
		value      REAL NOT NULL,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestLogMetric_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := MetricEntry{
		RunID:     "r1",
		Step:      10,
		Key:       "valid-macro_f1",
		Value:     81.25,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogMetric(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var key string
	var value float64
	var created string
	db.QueryRow("SELECT key, value, created_at FROM metrics").Scan(&key, &value, &created)
	if key != "valid-macro_f1" || value != 81.25 {
		t.Errorf("unexpected row %q %f", key, value)
	}
	if created != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected created_at %q", created)
	}
}

func TestDBSink_FillsCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	sink := &DBSink{DB: db, RunID: "r2"}
	if err := sink.LogMetric(3, "train-loss", 0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var created string
	db.QueryRow("SELECT created_at FROM metrics WHERE run_id = 'r2'").Scan(&created)
	if created == "" {
		t.Error("expected created_at to be set")
	}
}

func TestDBSink_SkipsNaN(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	sink := &DBSink{DB: db, RunID: "r3"}
	if err := sink.LogMetric(1, "valid-pearsonr", math.NaN()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.LogMetric(1, "valid-loss", 0.7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics WHERE run_id = 'r3'").Scan(&n)
	if n != 1 {
		t.Fatalf("expected only the finite metric row, got %d", n)
	}
}

func TestLogMetric_MissingTable(t *testing.T) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	if err := LogMetric(db, MetricEntry{RunID: "r"}); err == nil {
		t.Fatal("expected error without metrics table")
	}
}

// #endregion log-metric-tests
