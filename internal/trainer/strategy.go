package trainer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
)

// #region strategy
// stepper runs forward/backward for one batch and adds the gradients of the
// summed loss into the parameters' Grad buffers.
type stepper interface {
	step(ctx context.Context, m Module, b Batch) (lossSum float64, n int, err error)
}

func newStepper(cfg Config) stepper {
	if cfg.Strategy == StrategyDataParallel {
		return dataParallel{replicas: len(cfg.Devices)}
	}
	return single{}
}

type single struct{}

func (single) step(ctx context.Context, m Module, b Batch) (float64, int, error) {
	g := nn.NewGrads(m.Parameters())
	loss, n, err := m.TrainingStep(ctx, b, g)
	if err != nil {
		return 0, 0, err
	}
	g.AddTo()
	return loss, n, nil
}

// dataParallel scatters a batch over replicas, runs them concurrently and
// reduces their gradients into the shared parameters.
type dataParallel struct {
	replicas int
}

func (d dataParallel) step(ctx context.Context, m Module, b Batch) (float64, int, error) {
	shards := scatter(b, d.replicas)
	grads := make([]*nn.Grads, len(shards))
	losses := make([]float64, len(shards))
	counts := make([]int, len(shards))

	eg, ctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		grads[i] = nn.NewGrads(m.Parameters())
		eg.Go(func() error {
			loss, n, err := m.TrainingStep(ctx, shard, grads[i])
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			losses[i], counts[i] = loss, n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, 0, err
	}

	var loss float64
	var n int
	for i := range shards {
		grads[i].AddTo()
		loss += losses[i]
		n += counts[i]
	}
	return loss, n, nil
}

// scatter splits b into at most parts contiguous, non-empty shards.
func scatter(b Batch, parts int) []Batch {
	total := b.Len()
	if parts > total {
		parts = total
	}
	if parts <= 1 {
		return []Batch{b}
	}
	out := make([]Batch, 0, parts)
	size, rem := total/parts, total%parts
	start := 0
	for i := 0; i < parts; i++ {
		end := start + size
		if i < rem {
			end++
		}
		out = append(out, b.Slice(start, end))
		start = end
	}
	return out
}

// #endregion strategy
