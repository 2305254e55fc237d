package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

func sqrt(x float64) float64 { return math.Sqrt(x) }

// #region linear
// Linear is a dense layer y = Wx + b with W stored row-major as [Out][In].
type Linear struct {
	In, Out int
	W, B    *Param
}

// NewLinear creates a Glorot-uniform initialized layer.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   NewParam(name+".weight", in*out),
		B:   NewParam(name+".bias", out),
	}
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range l.W.Value {
		l.W.Value[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

// Params returns the weight and bias.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}

func (l *Linear) row(j int) []float64 {
	return l.W.Value[j*l.In : (j+1)*l.In]
}

// Forward computes Wx + b.
func (l *Linear) Forward(x []float64) []float64 {
	y := make([]float64, l.Out)
	for j := 0; j < l.Out; j++ {
		y[j] = floats.Dot(l.row(j), x) + l.B.Value[j]
	}
	return y
}

// Backward accumulates dL/dW and dL/db into g and returns dL/dx.
func (l *Linear) Backward(x, dy []float64, g *Grads) []float64 {
	gw := g.Of(l.W)
	gb := g.Of(l.B)
	dx := make([]float64, l.In)
	for j := 0; j < l.Out; j++ {
		if dy[j] == 0 {
			continue
		}
		floats.AddScaled(gw[j*l.In:(j+1)*l.In], dy[j], x)
		gb[j] += dy[j]
		floats.AddScaled(dx, dy[j], l.row(j))
	}
	return dx
}

// #endregion linear

// #region head
// Head is the classifier used on top of pooled encoder features:
// dense -> tanh -> out_proj, the shape of a transformer classification head.
type Head struct {
	Dense   *Linear
	OutProj *Linear
}

// NewHead builds a head from in features through hidden units to out logits.
func NewHead(name string, in, hidden, out int, rng *rand.Rand) *Head {
	return &Head{
		Dense:   NewLinear(name+".dense", in, hidden, rng),
		OutProj: NewLinear(name+".out_proj", hidden, out, rng),
	}
}

// Params returns all head parameters.
func (h *Head) Params() []*Param {
	return append(h.Dense.Params(), h.OutProj.Params()...)
}

// HeadCache keeps the activations Backward needs.
type HeadCache struct {
	x, hidden []float64
}

// Forward returns logits and the cache for Backward.
func (h *Head) Forward(x []float64) ([]float64, HeadCache) {
	hidden := h.Dense.Forward(x)
	for i, v := range hidden {
		hidden[i] = math.Tanh(v)
	}
	return h.OutProj.Forward(hidden), HeadCache{x: x, hidden: hidden}
}

// Backward accumulates gradients for dLogits.
func (h *Head) Backward(c HeadCache, dLogits []float64, g *Grads) {
	dHidden := h.OutProj.Backward(c.hidden, dLogits, g)
	for i, a := range c.hidden {
		dHidden[i] *= 1 - a*a
	}
	h.Dense.Backward(c.x, dHidden, g)
}

// #endregion head

// #region losses
// Softmax returns normalized probabilities for logits.
func Softmax(logits []float64) []float64 {
	maxV := floats.Max(logits)
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// CrossEntropy returns -log p(target) and dL/dlogits.
func CrossEntropy(logits []float64, target int) (float64, []float64) {
	probs := Softmax(logits)
	loss := -math.Log(math.Max(probs[target], 1e-12))
	probs[target] -= 1
	return loss, probs
}

// MSE returns (pred-target)^2 and its derivative.
func MSE(pred, target float64) (float64, float64) {
	d := pred - target
	return d * d, 2 * d
}

// #endregion losses
