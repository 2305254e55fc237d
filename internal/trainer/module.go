package trainer

import (
	"context"
	"math/rand"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
)

// #region data
// Batch is a contiguous slice of featurized examples.
type Batch interface {
	Len() int
	// Slice returns examples [i, j) as a new batch sharing storage.
	Slice(i, j int) Batch
}

// Loader yields the batches of one data split.
type Loader interface {
	Len() int
	Batch(i int) Batch
	Shuffle(rng *rand.Rand)
}

// #endregion data

// #region module
// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(lrs []float64)
	ZeroGrad()
}

// Scheduler yields one learning rate per parameter group.
type Scheduler interface {
	Step()
	LastLR() []float64
}

// MetricLogger receives the scalar values a module reports at the end of a pass.
type MetricLogger interface {
	Log(key string, value float64)
}

// Module is a trainable task model.
//
// TrainingStep must only read parameter values and write into g, so that the
// data-parallel strategy can run shards of one batch concurrently. It returns
// the summed (not averaged) loss and the number of examples it covered; the
// trainer normalizes the gradients.
type Module interface {
	Parameters() []*nn.Param
	ConfigureOptimizers(totalSteps int) (Optimizer, Scheduler)
	TrainingStep(ctx context.Context, b Batch, g *nn.Grads) (lossSum float64, n int, err error)
	ValidationStep(ctx context.Context, b Batch) error
	OnValidationEpochStart()
	OnValidationEpochEnd(pass string, log MetricLogger) error
}

// #endregion module
