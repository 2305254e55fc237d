package trainer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// #region callback
// Callback observes training-loop lifecycle events. Returning an error aborts
// the run.
type Callback interface {
	OnBatchEnd(t *Trainer, m Module) error
	OnValidationEnd(t *Trainer, m Module) error
	OnTestEnd(t *Trainer, m Module) error
}

// BaseCallback implements Callback with no-ops for embedding.
type BaseCallback struct{}

func (BaseCallback) OnBatchEnd(*Trainer, Module) error      { return nil }
func (BaseCallback) OnValidationEnd(*Trainer, Module) error { return nil }
func (BaseCallback) OnTestEnd(*Trainer, Module) error       { return nil }

// #endregion callback

// #region monitor
func checkMode(mode string) error {
	if mode != "min" && mode != "max" {
		return fmt.Errorf("mode must be min or max, got %q", mode)
	}
	return nil
}

// improves ranks NaN below every number in both modes.
func improves(mode string, current, best float64) bool {
	if math.IsNaN(current) {
		return false
	}
	if math.IsNaN(best) {
		return true
	}
	if mode == "min" {
		return current < best
	}
	return current > best
}

func monitored(t *Trainer, key string) (float64, error) {
	v, ok := t.CallbackMetrics().Get(key)
	if !ok {
		return 0, fmt.Errorf("monitored metric %q was not logged; available: %v", key, t.CallbackMetrics().Keys())
	}
	return v, nil
}

// #endregion monitor

// #region model-checkpoint
// ModelCheckpoint keeps the single best checkpoint by a monitored metric.
type ModelCheckpoint struct {
	BaseCallback
	Dir     string
	Monitor string
	Mode    string

	best     float64
	bestPath string
	saved    bool
}

// NewModelCheckpoint creates a checkpoint policy writing into dir.
func NewModelCheckpoint(dir, monitor, mode string) (*ModelCheckpoint, error) {
	if err := checkMode(mode); err != nil {
		return nil, fmt.Errorf("model checkpoint: %w", err)
	}
	return &ModelCheckpoint{Dir: dir, Monitor: monitor, Mode: mode}, nil
}

// Filename names a checkpoint by epoch, step and monitored value.
func (c *ModelCheckpoint) Filename(epoch, step int, score float64) string {
	return fmt.Sprintf("epoch=%02d-step=%d=%s=%.2f.ckpt", epoch, step, c.Monitor, score)
}

// BestModelPath returns the path of the best checkpoint, or "" if none was saved.
func (c *ModelCheckpoint) BestModelPath() string { return c.bestPath }

// BestScore returns the monitored value of the best checkpoint.
func (c *ModelCheckpoint) BestScore() (float64, bool) { return c.best, c.saved }

func (c *ModelCheckpoint) OnValidationEnd(t *Trainer, m Module) error {
	if t.SanityChecking() {
		return nil
	}
	score, err := monitored(t, c.Monitor)
	if err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	if c.saved && !improves(c.Mode, score, c.best) {
		return nil
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("model checkpoint: create dir: %w", err)
	}
	path := filepath.Join(c.Dir, c.Filename(t.Epoch(), t.GlobalStep(), score))
	ck := &Checkpoint{
		Epoch:      t.Epoch(),
		GlobalStep: t.GlobalStep(),
		Monitor:    c.Monitor,
		Score:      score,
		Params:     Snapshot(m.Parameters()),
	}
	if err := SaveCheckpoint(path, ck, m.Parameters()); err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	if c.bestPath != "" && c.bestPath != path {
		if err := os.Remove(c.bestPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("model checkpoint: remove stale: %w", err)
		}
	}
	c.best, c.bestPath, c.saved = score, path, true
	return nil
}

// #endregion model-checkpoint

// #region early-stopping
// EarlyStopping stops training after Patience validations without improvement.
type EarlyStopping struct {
	BaseCallback
	Monitor  string
	Patience int
	Mode     string

	best float64
	seen bool
	wait int
}

// NewEarlyStopping creates an early-stopping policy.
func NewEarlyStopping(monitor string, patience int, mode string) (*EarlyStopping, error) {
	if err := checkMode(mode); err != nil {
		return nil, fmt.Errorf("early stopping: %w", err)
	}
	return &EarlyStopping{Monitor: monitor, Patience: patience, Mode: mode}, nil
}

// Wait returns the number of validations since the last improvement.
func (e *EarlyStopping) Wait() int { return e.wait }

func (e *EarlyStopping) OnValidationEnd(t *Trainer, _ Module) error {
	if t.SanityChecking() {
		return nil
	}
	score, err := monitored(t, e.Monitor)
	if err != nil {
		return fmt.Errorf("early stopping: %w", err)
	}
	if !e.seen || improves(e.Mode, score, e.best) {
		if !math.IsNaN(score) {
			e.best, e.seen, e.wait = score, true, 0
			return nil
		}
	}
	e.wait++
	if e.wait >= e.Patience {
		t.Stop()
	}
	return nil
}

// #endregion early-stopping
