package metric

import (
	"errors"
	"fmt"
	"reflect"
)

// #region errors
var (
	// ErrEmpty is returned by Compute when no batch has been accumulated since the last Reset.
	ErrEmpty = errors.New("no data accumulated")
	// ErrLengthMismatch is returned by Compute when predictions and targets differ in example count.
	ErrLengthMismatch = errors.New("predictions and targets differ in length")
)

// #endregion errors

// #region interfaces
// Metric buffers one pass worth of predictions and targets and scores them at the end.
type Metric[P, T any] interface {
	Reset()
	Update(preds []P, targets []T)
	Compute() (float64, error)
}

// LabelMetric is a Metric whose scoring function also needs label metadata.
type LabelMetric[P, T, L any] interface {
	Reset()
	Update(preds []P, targets []T, info *L)
	Compute() (float64, error)
}

// ScoreFunc scores the concatenated predictions and targets of a pass.
type ScoreFunc[P, T any] func(preds []P, targets []T) (float64, error)

// LabelScoreFunc scores a pass using label metadata captured during accumulation.
type LabelScoreFunc[P, T, L any] func(preds []P, targets []T, info L) (float64, error)

// #endregion interfaces

// #region buffer
// buffer keeps per-batch slices in arrival order.
type buffer[P, T any] struct {
	preds   [][]P
	targets [][]T
}

func (b *buffer[P, T]) reset() {
	b.preds = nil
	b.targets = nil
}

func (b *buffer[P, T]) append(preds []P, targets []T) {
	b.preds = append(b.preds, preds)
	b.targets = append(b.targets, targets)
}

// flatten concatenates every buffered batch along the batch axis.
func (b *buffer[P, T]) flatten() ([]P, []T, error) {
	preds := concat(b.preds)
	targets := concat(b.targets)
	if len(preds) == 0 && len(targets) == 0 {
		return nil, nil, ErrEmpty
	}
	if len(preds) != len(targets) {
		return nil, nil, fmt.Errorf("%w: %d predictions, %d targets", ErrLengthMismatch, len(preds), len(targets))
	}
	return preds, targets, nil
}

func concat[E any](batches [][]E) []E {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	out := make([]E, 0, n)
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

// #endregion buffer

// #region accumulator
// Accumulator is the plain buffering metric. It holds every prediction and
// target of a pass in memory, so large evaluation sets cost memory linearly.
type Accumulator[P, T any] struct {
	buf     buffer[P, T]
	scoreFn ScoreFunc[P, T]
}

// New creates an accumulator scored by fn.
func New[P, T any](fn ScoreFunc[P, T]) *Accumulator[P, T] {
	return &Accumulator[P, T]{scoreFn: fn}
}

// Reset drops every buffered batch.
func (a *Accumulator[P, T]) Reset() {
	a.buf.reset()
}

// Update appends one batch in call order.
func (a *Accumulator[P, T]) Update(preds []P, targets []T) {
	a.buf.append(preds, targets)
}

// Compute scores the concatenation of all batches since the last Reset.
func (a *Accumulator[P, T]) Compute() (float64, error) {
	preds, targets, err := a.buf.flatten()
	if err != nil {
		return 0, err
	}
	return a.scoreFn(preds, targets)
}

// Batches reports how many Update calls are buffered.
func (a *Accumulator[P, T]) Batches() int {
	return len(a.buf.preds)
}

// #endregion accumulator

// #region label-accumulator
// LabelAccumulator threads label metadata through to its scoring function.
// The first non-nil info passed to Update wins for the rest of the pass.
type LabelAccumulator[P, T, L any] struct {
	buf     buffer[P, T]
	info    *L
	scoreFn LabelScoreFunc[P, T, L]
}

// NewLabel creates a label-aware accumulator scored by fn.
func NewLabel[P, T, L any](fn LabelScoreFunc[P, T, L]) *LabelAccumulator[P, T, L] {
	return &LabelAccumulator[P, T, L]{scoreFn: fn}
}

// Reset drops buffered batches and the captured label metadata.
func (a *LabelAccumulator[P, T, L]) Reset() {
	a.buf.reset()
	a.info = nil
}

// Update appends one batch; info is recorded only if none has been recorded yet.
func (a *LabelAccumulator[P, T, L]) Update(preds []P, targets []T, info *L) {
	a.buf.append(preds, targets)
	if a.info == nil && info != nil {
		captured := snapshot(*info)
		a.info = &captured
	}
}

// snapshot copies slice and map label info so later writes through the
// caller's value do not reach the recorded metadata.
func snapshot[L any](info L) L {
	v := reflect.ValueOf(&info).Elem()
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return info
		}
		c := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(c, v)
		v.Set(c)
	case reflect.Map:
		if v.IsNil() {
			return info
		}
		c := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			c.SetMapIndex(iter.Key(), iter.Value())
		}
		v.Set(c)
	}
	return info
}

// Compute scores the pass with the captured metadata, or the zero L if none was given.
func (a *LabelAccumulator[P, T, L]) Compute() (float64, error) {
	preds, targets, err := a.buf.flatten()
	if err != nil {
		return 0, err
	}
	var info L
	if a.info != nil {
		info = *a.info
	}
	return a.scoreFn(preds, targets, info)
}

// #endregion label-accumulator
