package metric

import (
	"errors"
	"math"
	"testing"
)

// #region helpers
func sumScore(preds, targets []float64) (float64, error) {
	var s float64
	for i := range preds {
		s += preds[i] * float64(i+1)
		s -= targets[i] * float64(2*i+1)
	}
	return s, nil
}

// orderScore is sensitive to order so it catches any reordering of batches.
func orderScore(preds, targets []int) (float64, error) {
	var s float64
	for i := range preds {
		s = s*31 + float64(preds[i]*7+targets[i])
	}
	return s, nil
}

// #endregion helpers

// #region accumulator-tests
func TestAccumulator_SplitBatchesMatchSingleUpdate(t *testing.T) {
	preds := []float64{0.1, 2.5, 3.3, 4.0, 1.2, 0.7, 5.0}
	targets := []float64{0.0, 2.0, 3.0, 4.5, 1.0, 1.0, 4.8}

	whole := New(sumScore)
	whole.Update(preds, targets)
	want, err := whole.Compute()
	if err != nil {
		t.Fatalf("Compute whole: %v", err)
	}

	splits := [][]int{{1, 6}, {3, 3, 1}, {2, 2, 2, 1}, {7}, {1, 1, 1, 1, 1, 1, 1}}
	for _, sizes := range splits {
		acc := New(sumScore)
		start := 0
		for _, n := range sizes {
			acc.Update(preds[start:start+n], targets[start:start+n])
			start += n
		}
		got, err := acc.Compute()
		if err != nil {
			t.Fatalf("Compute %v: %v", sizes, err)
		}
		if math.Abs(got-want) > 1e-12 {
			t.Fatalf("split %v: expected %f, got %f", sizes, want, got)
		}
		if acc.Batches() != len(sizes) {
			t.Fatalf("split %v: expected %d batches, got %d", sizes, len(sizes), acc.Batches())
		}
	}
}

func TestAccumulator_PreservesArrivalOrder(t *testing.T) {
	acc := New(orderScore)
	acc.Update([]int{1, 2}, []int{0, 1})
	acc.Update([]int{3}, []int{1})

	ref := New(orderScore)
	ref.Update([]int{1, 2, 3}, []int{0, 1, 1})

	got, _ := acc.Compute()
	want, _ := ref.Compute()
	if got != want {
		t.Fatalf("expected %f, got %f", want, got)
	}

	swapped := New(orderScore)
	swapped.Update([]int{3}, []int{1})
	swapped.Update([]int{1, 2}, []int{0, 1})
	other, _ := swapped.Compute()
	if other == want {
		t.Fatal("expected order-sensitive score to change when batches are swapped")
	}
}

func TestAccumulator_EmptyComputeFails(t *testing.T) {
	acc := New(sumScore)
	if _, err := acc.Compute(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty on fresh accumulator, got %v", err)
	}

	acc.Update([]float64{1}, []float64{1})
	acc.Reset()
	acc.Reset()
	if _, err := acc.Compute(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after reset, got %v", err)
	}
}

func TestAccumulator_LengthMismatch(t *testing.T) {
	acc := New(sumScore)
	acc.Update([]float64{1, 2}, []float64{1})
	if _, err := acc.Compute(); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

// #endregion accumulator-tests

// #region label-accumulator-tests
func TestLabelAccumulator_FirstLabelInfoWins(t *testing.T) {
	var seen []string
	acc := NewLabel(func(preds, targets []int, info []string) (float64, error) {
		seen = info
		return float64(len(preds)), nil
	})

	first := []string{"no_relation", "org:founded"}
	second := []string{"something", "else", "entirely"}

	acc.Update([]int{0}, []int{0}, nil)
	acc.Update([]int{1}, []int{1}, &first)
	acc.Update([]int{0}, []int{1}, &second)
	acc.Update([]int{1}, []int{0}, nil)

	n, err := acc.Compute()
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 examples, got %f", n)
	}
	if len(seen) != 2 || seen[0] != "no_relation" {
		t.Fatalf("expected first label info, got %v", seen)
	}
}

func TestLabelAccumulator_RecordedInfoIsCopied(t *testing.T) {
	var seen []string
	acc := NewLabel(func(preds, targets []int, info []string) (float64, error) {
		seen = info
		return 0, nil
	})
	labels := []string{"no_relation", "org:founded"}
	acc.Update([]int{0}, []int{0}, &labels)
	labels[0] = "per:title"
	labels = append(labels, "per:origin")

	if _, err := acc.Compute(); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(seen) != 2 || seen[0] != "no_relation" {
		t.Fatalf("expected recorded info to be unaffected by caller writes, got %v", seen)
	}
}

func TestSnapshot_CopiesMaps(t *testing.T) {
	orig := map[string]int{"a": 1}
	c := snapshot(orig)
	orig["a"] = 2
	if c["a"] != 1 {
		t.Fatalf("expected copied map, got %v", c)
	}
	if got := snapshot(3); got != 3 {
		t.Fatalf("expected scalars unchanged, got %d", got)
	}
}

func TestLabelAccumulator_ResetClearsLabelInfo(t *testing.T) {
	var seen []string
	acc := NewLabel(func(preds, targets []int, info []string) (float64, error) {
		seen = info
		return 0, nil
	})

	first := []string{"a"}
	acc.Update([]int{0}, []int{0}, &first)
	acc.Reset()
	if _, err := acc.Compute(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after reset, got %v", err)
	}

	second := []string{"b"}
	acc.Update([]int{0}, []int{0}, &second)
	if _, err := acc.Compute(); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(seen) != 1 || seen[0] != "b" {
		t.Fatalf("expected label info from the new pass, got %v", seen)
	}
}

func TestLabelAccumulator_NoInfoPassesZeroValue(t *testing.T) {
	called := false
	acc := NewLabel(func(preds, targets []int, info []string) (float64, error) {
		called = true
		if info != nil {
			t.Fatalf("expected nil info, got %v", info)
		}
		return 0, nil
	})
	acc.Update([]int{1}, []int{1}, nil)
	if _, err := acc.Compute(); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !called {
		t.Fatal("expected score function to run")
	}
}

// #endregion label-accumulator-tests
