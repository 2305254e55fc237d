package trainer

import (
	"fmt"
	"strings"
)

// #region config
// Strategy selects how a batch is distributed over devices.
type Strategy string

const (
	StrategySingle       Strategy = "single"
	StrategyDataParallel Strategy = "dp"
)

// Config enumerates every option the trainer accepts.
type Config struct {
	Seed                  int64
	Accelerator           string // auto or cpu
	Devices               []int
	Precision             int // 32 or 16
	NumSanityValSteps     int // -1 runs the whole validation set
	GradientClipVal       float64
	AccumulateGradBatches int
	MaxEpochs             int
	ValCheckInterval      float64 // fraction of a training epoch
	Strategy              Strategy
}

// DefaultConfig returns the settings the driver starts from.
func DefaultConfig() Config {
	return Config{
		Seed:                  42,
		Accelerator:           "auto",
		Precision:             32,
		NumSanityValSteps:     2,
		AccumulateGradBatches: 1,
		MaxEpochs:             1,
		ValCheckInterval:      1.0,
		Strategy:              StrategySingle,
	}
}

// Validate rejects settings the loop cannot honor.
func (c Config) Validate() error {
	switch strings.ToLower(c.Accelerator) {
	case "", "auto", "cpu":
	default:
		return fmt.Errorf("unsupported accelerator %q", c.Accelerator)
	}
	if c.Precision != 32 && c.Precision != 16 {
		return fmt.Errorf("unsupported precision %d", c.Precision)
	}
	if c.AccumulateGradBatches < 1 {
		return fmt.Errorf("accumulate_grad_batches must be >= 1, got %d", c.AccumulateGradBatches)
	}
	if c.MaxEpochs < 1 {
		return fmt.Errorf("max_epochs must be >= 1, got %d", c.MaxEpochs)
	}
	if c.ValCheckInterval <= 0 || c.ValCheckInterval > 1 {
		return fmt.Errorf("val_check_interval must be in (0, 1], got %g", c.ValCheckInterval)
	}
	if c.Strategy == StrategyDataParallel && len(c.Devices) < 2 {
		return fmt.Errorf("data-parallel strategy needs at least 2 devices")
	}
	return nil
}

// #endregion config
