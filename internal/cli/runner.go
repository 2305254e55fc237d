package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chrisjihee/KLUE-baseline/internal/artifact"
	"github.com/chrisjihee/KLUE-baseline/internal/config"
	"github.com/chrisjihee/KLUE-baseline/internal/encoder"
	"github.com/chrisjihee/KLUE-baseline/internal/logging"
	"github.com/chrisjihee/KLUE-baseline/internal/plotting"
	"github.com/chrisjihee/KLUE-baseline/internal/runstore"
	"github.com/chrisjihee/KLUE-baseline/internal/task"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// Version is the harness version that run directories are named after.
const Version = "0.1.0"

// valCheckInterval validates 20 times per training epoch.
const valCheckInterval = 0.05

// #region version
// RunVersion names a run directory v<major>.<minor>.<patch+1>-<MMDD_HHMMSS>.
// Versions that are not three dot-separated parts with a numeric patch are
// used unchanged.
func RunVersion(version string, now time.Time) string {
	ts := now.Format("0102_150405")
	parts := strings.Split(version, ".")
	if len(parts) == 3 && isDigits(parts[2]) {
		if patch, err := strconv.Atoi(parts[2]); err == nil {
			return fmt.Sprintf("v%s.%s.%d-%s", parts[0], parts[1], patch+1, ts)
		}
	}
	return fmt.Sprintf("v%s-%s", version, ts)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// #endregion version

// #region runner
// Runner executes one driver command. Zero fields fall back to the process
// environment and the real encoder, clock and S3 uploader.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Env    *config.Env
	Now    func() time.Time

	// NewEncoder builds the text encoder; the returned func releases it.
	NewEncoder func(config.Env) (encoder.Encoder, func() error, error)
	// NewUploader returns nil when artifacts are not mirrored.
	NewUploader func(config.Env) (artifact.Uploader, error)
}

func (r *Runner) defaults() error {
	if r.Stdout == nil {
		r.Stdout = os.Stdout
	}
	if r.Stderr == nil {
		r.Stderr = os.Stderr
	}
	if r.Env == nil {
		e, err := config.Load()
		if err != nil {
			return err
		}
		r.Env = &e
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.NewEncoder == nil {
		r.NewEncoder = DefaultEncoder
	}
	if r.NewUploader == nil {
		r.NewUploader = DefaultUploader
	}
	return nil
}

// DefaultEncoder connects to KLUE_ENCODER_ADDR when set and falls back to the
// hashing encoder; either is wrapped in a cache of KLUE_ENCODER_CACHE_MB.
func DefaultEncoder(e config.Env) (encoder.Encoder, func() error, error) {
	var enc encoder.Encoder = encoder.NewHashEncoder(e.EncoderDim)
	closer := func() error { return nil }
	if e.EncoderAddr != "" {
		g, err := encoder.NewGRPCEncoder(e.EncoderAddr, e.EncoderDim)
		if err != nil {
			return nil, nil, err
		}
		enc, closer = g, g.Close
	}
	if e.EncoderCacheMB > 0 {
		enc = encoder.NewCached(enc, e.EncoderCacheMB*1024*1024)
	}
	return enc, closer, nil
}

// DefaultUploader mirrors to S3 when KLUE_S3_BUCKET is set.
func DefaultUploader(e config.Env) (artifact.Uploader, error) {
	if e.S3Bucket == "" {
		return nil, nil
	}
	return artifact.NewS3Uploader(e.Region, e.S3Bucket, e.S3Prefix)
}

// Run parses args for command and runs it to completion.
func (r *Runner) Run(ctx context.Context, command string, args []string) error {
	command, err := parseCommand(command)
	if err != nil {
		return err
	}
	p, err := parseArgs(command, args)
	if err != nil {
		return err
	}
	if err := r.defaults(); err != nil {
		return err
	}
	lg, err := logging.New(r.Stderr, "klue", r.Env.LogLevel)
	if err != nil {
		return err
	}
	keys, values := p.values()
	logging.LogArgs(lg, keys, values)

	s, err := r.newSession(p, lg, values)
	if err != nil {
		return err
	}
	runErr := s.run(ctx)
	return s.close(runErr)
}

// #endregion runner

// #region session
// session is everything one run owns between trainer construction and exit.
type session struct {
	*Runner
	p       *parsed
	log     *log.Logger
	version string
	csv     *trainer.CSVLogger
	store   *runstore.Store
	record  runstore.RunRecord
	trainer *trainer.Trainer
}

func (r *Runner) newSession(p *parsed, lg *log.Logger, values map[string]string) (*session, error) {
	g := p.generic
	s := &session{Runner: r, p: p, log: lg, version: RunVersion(Version, r.Now())}

	csv, err := trainer.NewCSVLogger(g.OutputDir, g.Task, s.version)
	if err != nil {
		return nil, err
	}
	s.csv = csv

	hparams := make(map[string]any, len(values)+1)
	for k, v := range values {
		hparams[k] = v
	}
	hparams["command"] = p.command
	if err := csv.LogHyperparams(hparams); err != nil {
		csv.Close()
		return nil, err
	}

	dbPath := r.Env.RunDB
	if dbPath == "" {
		dbPath = filepath.Join(g.OutputDir, "runs.db")
	}
	store, err := runstore.NewStore(dbPath)
	if err != nil {
		csv.Close()
		return nil, fmt.Errorf("open run store: %w", err)
	}
	s.store = store
	argsJSON, _ := json.Marshal(values)
	s.record, err = store.CreateRun(runstore.RunRecord{
		Command:   p.command,
		Task:      g.Task,
		Version:   s.version,
		OutputDir: csv.Dir(),
		ArgsJSON:  string(argsJSON),
		CreatedAt: r.Now().UTC(),
	})
	if err != nil {
		csv.Close()
		store.Close()
		return nil, err
	}
	csv.AddSink(&logging.DBSink{DB: store.DB(), RunID: s.record.RunID})

	tr, err := s.buildTrainer()
	if err != nil {
		s.close(err)
		return nil, err
	}
	s.trainer = tr
	return s, nil
}

// buildTrainer turns the generic flags into a trainer with the logging,
// checkpoint and early-stopping callbacks.
func (s *session) buildTrainer() (*trainer.Trainer, error) {
	g := s.p.generic
	monitor := "valid-" + g.MetricKey
	ckpt, err := trainer.NewModelCheckpoint(filepath.Join(s.csv.Dir(), "checkpoint"), monitor, g.CheckpointMode)
	if err != nil {
		return nil, err
	}
	stop, err := trainer.NewEarlyStopping(monitor, g.Patience, g.EarlyStoppingMode)
	if err != nil {
		return nil, err
	}
	if g.TPUCores > 0 {
		s.log.Warn("TPU cores are not available, training on CPU", "n_tpu_cores", g.TPUCores)
	}

	cfg := trainer.DefaultConfig()
	cfg.Seed = g.Seed
	cfg.Accelerator = g.Accelerator
	cfg.Devices = g.Devices
	cfg.NumSanityValSteps = g.NumSanityValSteps
	cfg.GradientClipVal = g.MaxGradNorm
	cfg.AccumulateGradBatches = g.GradientAccumulation
	cfg.MaxEpochs = s.p.task.ModelArgs().NumTrainEpochs
	cfg.ValCheckInterval = valCheckInterval
	if g.FP16 {
		cfg.Precision = 16
	}
	if len(g.Devices) > 1 {
		cfg.Strategy = trainer.StrategyDataParallel
	}
	return trainer.New(cfg, s.csv, s.log, logging.NewCallback(s.log), ckpt, stop)
}

func (s *session) run(ctx context.Context) error {
	enc, release, err := s.NewEncoder(*s.Env)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	defer release()

	b, err := s.p.task.Setup(ctx, task.Env{Command: s.p.command, Encoder: enc, Log: s.log, Seed: s.p.generic.Seed})
	if err != nil {
		return err
	}
	switch s.p.command {
	case task.CommandTrain:
		return s.train(ctx, b)
	case task.CommandEvaluate:
		return s.evaluate(ctx, b, b.Val, "valid")
	default:
		return s.evaluate(ctx, b, b.Test, "test")
	}
}

func (s *session) train(ctx context.Context, b *task.Bundle) error {
	s.log.Info("Start to run the full optimization routine.")
	if err := s.trainer.Fit(ctx, b.Model, b.Train, b.Val); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	results, err := s.trainer.Test(ctx, b.Model, b.Val, trainer.TestOptions{CkptPath: "best", Pass: "valid"})
	if err != nil {
		return err
	}
	if err := s.writeResults(results); err != nil {
		return err
	}
	if err := s.writePredictions(b.Model, "valid"); err != nil {
		return err
	}

	curves := filepath.Join(s.csv.Dir(), "curves.png")
	if err := plotting.Curves(s.csv.History(), curves); err != nil {
		s.log.Warn("skip learning curves", "err", err)
	}
	return s.upload(ctx, []string{
		filepath.Join(s.csv.Dir(), "val_results.txt"),
		filepath.Join(s.csv.Dir(), "metrics.csv"),
		curves,
		s.trainer.BestModelPath(),
	})
}

func (s *session) evaluate(ctx context.Context, b *task.Bundle, l trainer.Loader, pass string) error {
	results, err := s.trainer.Test(ctx, b.Model, l, trainer.TestOptions{CkptPath: s.p.generic.CkptPath, Pass: pass})
	if err != nil {
		return err
	}
	s.log.Info("pass finished", "pass", pass, "metrics", results.Len())
	return s.writePredictions(b.Model, pass)
}

// writeResults writes val_results.txt as "key = value" lines and mirrors
// them to stdout between rules.
func (s *session) writeResults(results *trainer.Metrics) error {
	rule := strings.Repeat("-", 80)
	fmt.Fprintln(s.Stdout, rule)
	var sb strings.Builder
	for _, k := range results.Keys() {
		v, _ := results.Get(k)
		fmt.Fprintf(&sb, "%s = %v\n", k, v)
		fmt.Fprintf(s.Stdout, " - %s : %v\n", k, v)
	}
	fmt.Fprintln(s.Stdout, rule)
	path := filepath.Join(s.csv.Dir(), "val_results.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write val results: %w", err)
	}
	return nil
}

func (s *session) writePredictions(m task.Model, pass string) error {
	if !s.p.task.ModelArgs().WritePredictions {
		return nil
	}
	preds := m.Predictions()
	if preds == nil {
		preds = []task.Prediction{}
	}
	data, err := json.MarshalIndent(preds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal predictions: %w", err)
	}
	path := filepath.Join(s.csv.Dir(), "predictions_"+pass+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	s.log.Info("wrote predictions", "path", path, "count", len(preds))
	return nil
}

func (s *session) upload(ctx context.Context, files []string) error {
	up, err := s.NewUploader(*s.Env)
	if err != nil {
		return fmt.Errorf("create uploader: %w", err)
	}
	if up == nil {
		return nil
	}
	var existing []string
	for _, f := range files {
		if f != "" {
			existing = append(existing, f)
		}
	}
	keys, err := up.Upload(ctx, existing, s.p.generic.Task+"/"+s.version)
	if err != nil {
		return err
	}
	s.log.Info("mirrored artifacts", "objects", len(keys))
	return nil
}

// close records the outcome in the run store and releases the session.
func (s *session) close(runErr error) error {
	best := ""
	if s.trainer != nil {
		best = s.trainer.BestModelPath()
	}
	errs := []error{runErr}
	if err := s.store.FinishRun(s.record.RunID, runErr, best); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.csv.Close(), s.store.Close())
	return errors.Join(errs...)
}

// #endregion session
