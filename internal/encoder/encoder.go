package encoder

import (
	"context"
	"math"

	"github.com/cespare/xxhash/v2"
)

// #region interface
// Encoder turns text into fixed-size feature vectors. Encode pools a whole
// text into one vector; EncodeTokens returns one vector per rune so
// character-level tasks can align features with labels.
type Encoder interface {
	Dim() int
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	EncodeTokens(ctx context.Context, text string) ([][]float32, error)
}

// #endregion interface

// #region hash-encoder
// DefaultDim is the feature size of the hashing encoder.
const DefaultDim = 256

// HashEncoder featurizes text with hashed character n-grams. It needs no
// model weights and is fully deterministic, which makes it the offline default.
type HashEncoder struct {
	dim int
}

// NewHashEncoder creates a hashing encoder with dim buckets.
func NewHashEncoder(dim int) *HashEncoder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEncoder{dim: dim}
}

// Dim returns the vector size.
func (h *HashEncoder) Dim() int { return h.dim }

// Encode pools unigram, bigram and trigram features of each text.
func (h *HashEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, h.dim)
		runes := []rune(text)
		for n := 1; n <= 3; n++ {
			for s := 0; s+n <= len(runes); s++ {
				h.add(vec, string(runes[s:s+n]), n)
			}
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// EncodeTokens featurizes each rune with its left/right context window.
func (h *HashEncoder) EncodeTokens(ctx context.Context, text string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runes := []rune(text)
	out := make([][]float32, len(runes))
	at := func(i int) string {
		if i < 0 || i >= len(runes) {
			return "<pad>"
		}
		return string(runes[i])
	}
	for i := range runes {
		vec := make([]float32, h.dim)
		h.add(vec, "c0:"+at(i), 2)
		h.add(vec, "l1:"+at(i-1), 1)
		h.add(vec, "r1:"+at(i+1), 1)
		h.add(vec, "l2:"+at(i-2), 1)
		h.add(vec, "r2:"+at(i+2), 1)
		h.add(vec, "lb:"+at(i-1)+at(i), 1)
		h.add(vec, "rb:"+at(i)+at(i+1), 1)
		if i == 0 || runes[i-1] == ' ' {
			h.add(vec, "bow", 1)
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// add hashes feature into a bucket with a sign bit so collisions cancel on average.
func (h *HashEncoder) add(vec []float32, feature string, weight int) {
	sum := xxhash.Sum64String(feature)
	idx := int(sum % uint64(h.dim))
	sign := float32(1)
	if sum>>63 == 1 {
		sign = -1
	}
	vec[idx] += sign * float32(weight)
}

func normalize(vec []float32) {
	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sq))
	for i := range vec {
		vec[i] *= inv
	}
}

// #endregion hash-encoder

// #region conversion
// ToFloat64 widens an encoder vector for the float64 training heads.
func ToFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// #endregion conversion
