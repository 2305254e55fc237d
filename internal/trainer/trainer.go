package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/charmbracelet/log"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
)

// #region trainer
// Trainer drives fit and test passes over a Module.
type Trainer struct {
	cfg       Config
	results   ResultsLogger
	callbacks []Callback
	log       *log.Logger
	stepper   stepper
	rng       *rand.Rand

	sched      Scheduler
	metrics    *Metrics
	globalStep int
	epoch      int
	sanity     bool
	stop       bool
}

// New validates cfg and builds a trainer. results and lg may be nil.
func New(cfg Config, results ResultsLogger, lg *log.Logger, callbacks ...Callback) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer config: %w", err)
	}
	if lg == nil {
		lg = log.New(io.Discard)
	}
	return &Trainer{
		cfg:       cfg,
		results:   results,
		callbacks: callbacks,
		log:       lg,
		stepper:   newStepper(cfg),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		metrics:   NewMetrics(),
	}, nil
}

// Config returns the trainer settings.
func (t *Trainer) Config() Config { return t.cfg }

// GlobalStep is the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Epoch is the current (zero-based) training epoch.
func (t *Trainer) Epoch() int { return t.epoch }

// SanityChecking reports whether the pre-training validation pass is running.
func (t *Trainer) SanityChecking() bool { return t.sanity }

// Scheduler returns the active learning-rate scheduler, nil before Fit.
func (t *Trainer) Scheduler() Scheduler { return t.sched }

// CallbackMetrics holds the latest value of every metric logged so far.
func (t *Trainer) CallbackMetrics() *Metrics { return t.metrics }

// Results returns the results logger.
func (t *Trainer) Results() ResultsLogger { return t.results }

// Log returns the trainer's structured logger.
func (t *Trainer) Log() *log.Logger { return t.log }

// Stop asks Fit to finish after the current batch.
func (t *Trainer) Stop() { t.stop = true }

// BestModelPath returns the best checkpoint of the first ModelCheckpoint callback.
func (t *Trainer) BestModelPath() string {
	for _, cb := range t.callbacks {
		if mc, ok := cb.(*ModelCheckpoint); ok {
			return mc.BestModelPath()
		}
	}
	return ""
}

// #endregion trainer

// #region fit
// Fit trains m on train, validating on val every ValCheckInterval of an epoch.
func (t *Trainer) Fit(ctx context.Context, m Module, train, val Loader) error {
	nb := train.Len()
	if nb == 0 {
		return errors.New("fit: empty training loader")
	}
	accum := t.cfg.AccumulateGradBatches
	stepsPerEpoch := (nb + accum - 1) / accum
	opt, sched := m.ConfigureOptimizers(stepsPerEpoch * t.cfg.MaxEpochs)
	t.sched = sched
	t.stop = false
	params := m.Parameters()

	if val != nil && val.Len() > 0 && t.cfg.NumSanityValSteps != 0 {
		limit := t.cfg.NumSanityValSteps
		t.sanity = true
		err := t.validate(ctx, m, val, limit)
		t.sanity = false
		if err != nil {
			return fmt.Errorf("sanity check: %w", err)
		}
		t.metrics = NewMetrics()
	}

	interval := max(1, int(t.cfg.ValCheckInterval*float64(nb)))
	t.log.Info("start training", "batches", nb, "epochs", t.cfg.MaxEpochs, "total_steps", stepsPerEpoch*t.cfg.MaxEpochs, "val_every", interval)

	for t.epoch = 0; t.epoch < t.cfg.MaxEpochs && !t.stop; t.epoch++ {
		train.Shuffle(t.rng)
		opt.ZeroGrad()
		var lossSum float64
		var count int
		for b := 0; b < nb && !t.stop; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			loss, n, err := t.stepper.step(ctx, m, train.Batch(b))
			if err != nil {
				return fmt.Errorf("training step %d: %w", b, err)
			}
			lossSum += loss
			count += n

			if (b+1)%accum == 0 || b == nb-1 {
				if err := t.optimizerStep(params, opt, lossSum, count); err != nil {
					return err
				}
				lossSum, count = 0, 0
			}
			for _, cb := range t.callbacks {
				if err := cb.OnBatchEnd(t, m); err != nil {
					return fmt.Errorf("batch end: %w", err)
				}
			}
			if val != nil && val.Len() > 0 && (b+1)%interval == 0 {
				if err := t.validate(ctx, m, val, -1); err != nil {
					return fmt.Errorf("validation: %w", err)
				}
			}
		}
	}
	if t.epoch > 0 {
		t.epoch--
	}
	return nil
}

func (t *Trainer) optimizerStep(params []*nn.Param, opt Optimizer, lossSum float64, count int) error {
	if count == 0 {
		return errors.New("training step covered no examples")
	}
	nn.ScaleGrads(params, 1/float64(count))
	nn.ClipGradNorm(params, t.cfg.GradientClipVal)
	opt.Step(t.sched.LastLR())
	t.sched.Step()
	opt.ZeroGrad()
	if t.cfg.Precision == 16 {
		roundToHalf(params)
	}
	t.globalStep++

	train := NewMetrics()
	train.Set("train-loss", lossSum/float64(count))
	t.metrics.Merge(train)
	if t.results != nil {
		if err := t.results.LogMetrics(t.globalStep, train); err != nil {
			return fmt.Errorf("log train loss: %w", err)
		}
	}
	return nil
}

// validate runs a pass over at most limit batches (all when limit < 0).
func (t *Trainer) validate(ctx context.Context, m Module, val Loader, limit int) error {
	pass, err := t.runPass(ctx, m, val, "valid", limit)
	if err != nil {
		return err
	}
	t.metrics.Merge(pass)
	if !t.sanity && t.results != nil {
		if err := t.results.LogMetrics(t.globalStep, pass); err != nil {
			return fmt.Errorf("log validation metrics: %w", err)
		}
	}
	for _, cb := range t.callbacks {
		if err := cb.OnValidationEnd(t, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) runPass(ctx context.Context, m Module, l Loader, pass string, limit int) (*Metrics, error) {
	n := l.Len()
	if limit >= 0 && limit < n {
		n = limit
	}
	m.OnValidationEpochStart()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.ValidationStep(ctx, l.Batch(i)); err != nil {
			return nil, fmt.Errorf("%s step %d: %w", pass, i, err)
		}
	}
	out := NewMetrics()
	if err := m.OnValidationEpochEnd(pass, out); err != nil {
		return nil, fmt.Errorf("%s epoch end: %w", pass, err)
	}
	return out, nil
}

// #endregion fit

// #region test
// TestOptions selects weights and the pass name of a test run.
type TestOptions struct {
	// CkptPath is "" for current weights, "best" for the best checkpoint, or a file path.
	CkptPath string
	// Pass prefixes logged metric keys, e.g. "valid" or "test".
	Pass string
}

// Test runs one evaluation pass and returns the metrics it logged.
func (t *Trainer) Test(ctx context.Context, m Module, l Loader, opts TestOptions) (*Metrics, error) {
	path := opts.CkptPath
	if path == "best" {
		path = t.BestModelPath()
		if path == "" {
			return nil, fmt.Errorf("test: %w", ErrNoCheckpoint)
		}
	}
	if path != "" {
		ck, err := LoadCheckpoint(path)
		if err != nil {
			return nil, fmt.Errorf("test: %w", err)
		}
		if err := ck.Restore(m.Parameters()); err != nil {
			return nil, fmt.Errorf("test: %w", err)
		}
		t.log.Info("restored checkpoint", "path", path, "step", ck.GlobalStep)
	}
	pass := opts.Pass
	if pass == "" {
		pass = "test"
	}
	out, err := t.runPass(ctx, m, l, pass, -1)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	t.metrics.Merge(out)
	if t.results != nil {
		if err := t.results.LogMetrics(t.globalStep, out); err != nil {
			return nil, fmt.Errorf("test: log metrics: %w", err)
		}
	}
	for _, cb := range t.callbacks {
		if err := cb.OnTestEnd(t, m); err != nil {
			return nil, fmt.Errorf("test end: %w", err)
		}
	}
	return out, nil
}

// #endregion test
