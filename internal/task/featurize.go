package task

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/chrisjihee/KLUE-baseline/internal/encoder"
)

// encodeChunk is how many texts go into one Encode call.
const encodeChunk = 64

// #region pooled
// encodeAll pools texts with up to workers concurrent Encode calls.
func encodeAll(ctx context.Context, enc encoder.Encoder, texts []string, workers int) ([][]float64, error) {
	out := make([][]float64, len(texts))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, workers))
	for start := 0; start < len(texts); start += encodeChunk {
		end := min(start+encodeChunk, len(texts))
		eg.Go(func() error {
			vecs, err := enc.Encode(ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("encode texts %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("encode texts %d-%d: got %d vectors", start, end, len(vecs))
			}
			for i, v := range vecs {
				out[start+i] = encoder.ToFloat64(v)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion pooled

// #region tokens
// encodeTokensAll returns per-rune features of every text.
func encodeTokensAll(ctx context.Context, enc encoder.Encoder, texts []string, workers int) ([][][]float64, error) {
	out := make([][][]float64, len(texts))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, workers))
	for i, text := range texts {
		eg.Go(func() error {
			vecs, err := enc.EncodeTokens(ctx, text)
			if err != nil {
				return fmt.Errorf("encode tokens of text %d: %w", i, err)
			}
			rows := make([][]float64, len(vecs))
			for j, v := range vecs {
				rows[j] = encoder.ToFloat64(v)
			}
			out[i] = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion tokens

// #region helpers
// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// truncateLeft keeps the last n runes of s.
func truncateLeft(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// pairFeatures combines two sentence vectors as [u, v, |u-v|, u*v].
func pairFeatures(u, v []float64) []float64 {
	out := make([]float64, 0, 4*len(u))
	out = append(out, u...)
	out = append(out, v...)
	for i := range u {
		out = append(out, math.Abs(u[i]-v[i]))
	}
	for i := range u {
		out = append(out, u[i]*v[i])
	}
	return out
}

func concatFeatures(parts ...[]float64) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// #endregion helpers
