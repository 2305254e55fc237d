package nn

import (
	"strings"

	"gonum.org/v1/gonum/floats"
)

// #region param
// Param is a named flat parameter tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// NewParam allocates a zeroed parameter of n values.
func NewParam(name string, n int) *Param {
	return &Param{
		Name:  name,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// NoDecay reports whether weight decay should skip this parameter (biases).
func (p *Param) NoDecay() bool {
	return strings.HasSuffix(p.Name, ".bias")
}

// #endregion param

// #region grads
// Grads holds gradient buffers for a parameter list, one per worker, so
// shards of a batch can back-propagate concurrently and be reduced later.
type Grads struct {
	bufs map[*Param][]float64
}

// NewGrads allocates zeroed buffers shaped like params.
func NewGrads(params []*Param) *Grads {
	g := &Grads{bufs: make(map[*Param][]float64, len(params))}
	for _, p := range params {
		g.bufs[p] = make([]float64, len(p.Value))
	}
	return g
}

// Of returns the buffer for p. Unknown parameters get a fresh buffer.
func (g *Grads) Of(p *Param) []float64 {
	buf, ok := g.bufs[p]
	if !ok {
		buf = make([]float64, len(p.Value))
		g.bufs[p] = buf
	}
	return buf
}

// AddTo adds every buffer into its parameter's Grad.
func (g *Grads) AddTo() {
	for p, buf := range g.bufs {
		floats.Add(p.Grad, buf)
	}
}

// #endregion grads

// #region grad-clipping
// ClipGradNorm rescales all gradients so their global L2 norm is at most maxNorm.
// It returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	total := sqrt(sq)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	for _, p := range params {
		floats.Scale(coef, p.Grad)
	}
	return total
}

// ScaleGrads multiplies every gradient by c.
func ScaleGrads(params []*Param, c float64) {
	for _, p := range params {
		floats.Scale(c, p.Grad)
	}
}

// #endregion grad-clipping
