package nn

import "math"

// #region adamw
// AdamWConfig holds optimizer hyperparameters.
type AdamWConfig struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultAdamWConfig mirrors the transformer fine-tuning defaults.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 0.0,
	}
}

// AdamW is Adam with decoupled weight decay. Parameters are split into two
// groups: group 0 decays, group 1 (biases) does not.
type AdamW struct {
	cfg    AdamWConfig
	groups [2][]*Param
	m, v   map[*Param][]float64
	t      int
}

// NewAdamW creates an optimizer over params.
func NewAdamW(params []*Param, cfg AdamWConfig) *AdamW {
	o := &AdamW{
		cfg: cfg,
		m:   make(map[*Param][]float64, len(params)),
		v:   make(map[*Param][]float64, len(params)),
	}
	for _, p := range params {
		g := 0
		if p.NoDecay() {
			g = 1
		}
		o.groups[g] = append(o.groups[g], p)
		o.m[p] = make([]float64, len(p.Value))
		o.v[p] = make([]float64, len(p.Value))
	}
	return o
}

// NumGroups is the number of parameter groups (and learning rates).
func (o *AdamW) NumGroups() int { return len(o.groups) }

// Params returns every parameter the optimizer updates.
func (o *AdamW) Params() []*Param {
	return append(append([]*Param(nil), o.groups[0]...), o.groups[1]...)
}

// Step applies one update; lrs holds one learning rate per group.
func (o *AdamW) Step(lrs []float64) {
	o.t++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))
	for gi, group := range o.groups {
		lr := lrs[len(lrs)-1]
		if gi < len(lrs) {
			lr = lrs[gi]
		}
		decay := o.cfg.WeightDecay
		if gi == 1 {
			decay = 0
		}
		for _, p := range group {
			m, v := o.m[p], o.v[p]
			for i, g := range p.Grad {
				m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*g
				v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*g*g
				p.Value[i] -= lr * decay * p.Value[i]
				p.Value[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.cfg.Epsilon)
			}
		}
	}
}

// ZeroGrad clears every gradient.
func (o *AdamW) ZeroGrad() {
	for _, group := range o.groups {
		for _, p := range group {
			p.ZeroGrad()
		}
	}
}

// #endregion adamw

// #region schedule
// LinearSchedule warms the learning rate up linearly over WarmupSteps then
// decays it linearly to zero at TotalSteps.
type LinearSchedule struct {
	baseLRs     []float64
	warmupSteps int
	totalSteps  int
	step        int
	last        []float64
}

// NewLinearSchedule creates a schedule for numGroups groups sharing baseLR.
func NewLinearSchedule(baseLR float64, numGroups, warmupSteps, totalSteps int) *LinearSchedule {
	s := &LinearSchedule{
		baseLRs:     make([]float64, numGroups),
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
	for i := range s.baseLRs {
		s.baseLRs[i] = baseLR
	}
	s.update()
	return s
}

func (s *LinearSchedule) factor() float64 {
	if s.step < s.warmupSteps {
		return float64(s.step) / math.Max(1, float64(s.warmupSteps))
	}
	remaining := float64(s.totalSteps - s.step)
	span := math.Max(1, float64(s.totalSteps-s.warmupSteps))
	return math.Max(0, remaining/span)
}

func (s *LinearSchedule) update() {
	f := s.factor()
	s.last = make([]float64, len(s.baseLRs))
	for i, lr := range s.baseLRs {
		s.last[i] = lr * f
	}
}

// Step advances the schedule by one optimizer step.
func (s *LinearSchedule) Step() {
	s.step++
	s.update()
}

// LastLR returns the current learning rate of every group.
func (s *LinearSchedule) LastLR() []float64 {
	return append([]float64(nil), s.last...)
}

// #endregion schedule
