package task

import (
	"fmt"
	"math/rand"

	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region batch
type batch[E any] struct {
	items []E
}

func (b batch[E]) Len() int { return len(b.items) }

func (b batch[E]) Slice(i, j int) trainer.Batch { return batch[E]{items: b.items[i:j]} }

func itemsOf[E any](b trainer.Batch) ([]E, error) {
	tb, ok := b.(batch[E])
	if !ok {
		return nil, fmt.Errorf("unexpected batch type %T", b)
	}
	return tb.items, nil
}

// #endregion batch

// #region loader
// loader serves fixed-size batches over featurized items.
type loader[E any] struct {
	items []E
	size  int
}

func newLoader[E any](items []E, size int) *loader[E] {
	return &loader[E]{items: items, size: max(1, size)}
}

func (l *loader[E]) Len() int {
	return (len(l.items) + l.size - 1) / l.size
}

func (l *loader[E]) Batch(i int) trainer.Batch {
	start := i * l.size
	end := min(start+l.size, len(l.items))
	return batch[E]{items: l.items[start:end]}
}

func (l *loader[E]) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(l.items), func(i, j int) { l.items[i], l.items[j] = l.items[j], l.items[i] })
}

// #endregion loader
