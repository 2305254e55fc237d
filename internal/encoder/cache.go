package encoder

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/VictoriaMetrics/fastcache"
)

// #region cached
// Cached memoizes an Encoder in a fixed-size fastcache. Pooled vectors use
// the regular entry path; per-rune matrices can exceed 64KB and use SetBig.
type Cached struct {
	inner Encoder
	cache *fastcache.Cache
}

// NewCached wraps inner with a cache of maxBytes.
func NewCached(inner Encoder, maxBytes int) *Cached {
	return &Cached{inner: inner, cache: fastcache.New(maxBytes)}
}

// Dim returns the wrapped encoder's vector size.
func (c *Cached) Dim() int { return c.inner.Dim() }

// Encode serves hits from the cache and forwards misses in one batch.
func (c *Cached) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if buf, ok := c.cache.HasGet(nil, pooledKey(t)); ok {
			out[i] = decodeFloats(buf)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.Encode(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(pooledKey(missTexts[j]), encodeFloats(vecs[j]))
	}
	return out, nil
}

// EncodeTokens caches the whole per-rune matrix of a text.
func (c *Cached) EncodeTokens(ctx context.Context, text string) ([][]float32, error) {
	key := tokensKey(text)
	if text != "" {
		if buf := c.cache.GetBig(nil, key); len(buf) > 0 {
			return splitRows(decodeFloats(buf), c.inner.Dim()), nil
		}
	}
	vecs, err := c.inner.EncodeTokens(ctx, text)
	if err != nil {
		return nil, err
	}
	if text != "" {
		flat := make([]float32, 0, len(vecs)*c.inner.Dim())
		for _, v := range vecs {
			flat = append(flat, v...)
		}
		c.cache.SetBig(key, encodeFloats(flat))
	}
	return vecs, nil
}

// Stats reports cache counters.
func (c *Cached) Stats() fastcache.Stats {
	var s fastcache.Stats
	c.cache.UpdateStats(&s)
	return s
}

// Reset drops every cached entry.
func (c *Cached) Reset() {
	c.cache.Reset()
}

// #endregion cached

// #region encoding
func pooledKey(text string) []byte { return []byte("p\x00" + text) }
func tokensKey(text string) []byte { return []byte("t\x00" + text) }

func encodeFloats(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func splitRows(flat []float32, dim int) [][]float32 {
	if dim <= 0 {
		return nil
	}
	rows := make([][]float32, len(flat)/dim)
	for i := range rows {
		rows[i] = flat[i*dim : (i+1)*dim]
	}
	return rows
}

// #endregion encoding
