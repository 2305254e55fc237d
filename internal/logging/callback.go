package logging

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

var (
	// ErrNoScheduler means the callback fired before the trainer had a scheduler.
	ErrNoScheduler = errors.New("logging callback: no learning-rate scheduler")
	// ErrNoMetrics means the trainer exposed no callback metrics.
	ErrNoMetrics = errors.New("logging callback: no callback metrics")
)

// skipKeys are bookkeeping entries that never appear in reports.
var skipKeys = map[string]bool{"log": true, "progress_bar": true}

// #region callback
// Callback emits learning rates on every batch and prints a metrics report
// after each validation and test pass.
type Callback struct {
	Log *log.Logger
}

// NewCallback returns a callback reporting to l.
func NewCallback(l *log.Logger) *Callback {
	return &Callback{Log: l}
}

// OnBatchEnd logs lr_group_<i> for every parameter group.
func (c *Callback) OnBatchEnd(t *trainer.Trainer, _ trainer.Module) error {
	sched := t.Scheduler()
	if sched == nil {
		return ErrNoScheduler
	}
	lrs := trainer.NewMetrics()
	for i, lr := range sched.LastLR() {
		lrs.Set(fmt.Sprintf("lr_group_%d", i), lr)
	}
	if t.Results() == nil {
		return nil
	}
	if err := t.Results().LogMetrics(t.GlobalStep(), lrs); err != nil {
		return fmt.Errorf("log learning rates: %w", err)
	}
	return nil
}

// OnValidationEnd prints the validation report.
func (c *Callback) OnValidationEnd(t *trainer.Trainer, _ trainer.Module) error {
	return c.report(t, "***** Validation results *****")
}

// OnTestEnd prints the test report.
func (c *Callback) OnTestEnd(t *trainer.Trainer, _ trainer.Module) error {
	return c.report(t, "***** Test results *****")
}

func (c *Callback) report(t *trainer.Trainer, banner string) error {
	step := t.GlobalStep()
	if step == 0 {
		return nil
	}
	metrics := t.CallbackMetrics()
	if metrics == nil {
		return ErrNoMetrics
	}
	c.Log.Info(banner)
	c.Log.Info(fmt.Sprintf("global_step = %d", step))
	for _, k := range metrics.Keys() {
		if skipKeys[k] {
			continue
		}
		v, _ := metrics.Get(k)
		c.Log.Info(fmt.Sprintf("%s = %v", k, v))
	}
	return nil
}

// #endregion callback
