package task

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spf13/pflag"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/metric"
	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region model
type wosItem struct {
	guid    string
	x       []float64
	targets []int // value index per slot, 0 is none
	state   []string
}

type wosOutput struct {
	preds  [][]string
	labels [][]string
}

// StateTracker picks one ontology value per domain-slot from the pooled
// dialogue history.
type StateTracker struct {
	base
	ontology *data.Ontology
	slots    []*nn.Linear
	metrics  []namedLabelMetric[[]string, []string, []string]
	outputs  []wosOutput
}

func newStateTracker(args ModelArgs, in int, ontology *data.Ontology, rng *rand.Rand) *StateTracker {
	m := &StateTracker{
		base:     base{args: args},
		ontology: ontology,
		metrics: []namedLabelMetric[[]string, []string, []string]{
			{name: "joint_goal_acc", m: metric.NewLabel(metric.JointGoalAccuracy)},
			{name: "slot_micro_f1", m: metric.NewLabel(metric.SlotMicroF1)},
		},
	}
	for i, slot := range ontology.Slots {
		l := nn.NewLinear(fmt.Sprintf("slot_classifier.%d", i), in, len(ontology.Values[slot]), rng)
		m.slots = append(m.slots, l)
		m.params = append(m.params, l.Params()...)
	}
	return m
}

func (m *StateTracker) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	items, err := itemsOf[wosItem](b)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	scale := 1 / float64(max(1, len(m.slots)))
	for _, it := range items {
		for s, l := range m.slots {
			loss, d := nn.CrossEntropy(l.Forward(it.x), it.targets[s])
			for i := range d {
				d[i] *= scale
			}
			l.Backward(it.x, d, g)
			sum += loss * scale
		}
	}
	return sum, len(items), nil
}

func (m *StateTracker) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[wosItem](b)
	if err != nil {
		return err
	}
	out := wosOutput{}
	scale := 1 / float64(max(1, len(m.slots)))
	for _, it := range items {
		var loss float64
		state := []string{}
		for s, l := range m.slots {
			logits := l.Forward(it.x)
			ls, _ := nn.CrossEntropy(logits, it.targets[s])
			loss += ls * scale
			if v := metric.Argmax(logits); v > 0 {
				slot := m.ontology.Slots[s]
				state = append(state, slot+"-"+m.ontology.Values[slot][v])
			}
		}
		m.addLoss(loss, 1)
		out.preds = append(out.preds, state)
		out.labels = append(out.labels, it.state)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *StateTracker) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

func (m *StateTracker) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var preds, labels [][]string
	for _, out := range m.outputs {
		preds = append(preds, out.preds...)
		labels = append(labels, out.labels...)
	}
	keepPredictions(&m.base, preds)

	m.logLoss(pass, log)
	return logLabelMetrics(pass, log, m.metrics, preds, labels, &m.ontology.Slots)
}

// #endregion model

// #region wos
type wosTask struct {
	common
	ontologyFileName string
}

func newWOS() Task {
	return &wosTask{common: common{name: "wos", dataset: "wos-v1.1", ext: ".json", maxSeqLen: 510}}
}

func (t *wosTask) AddProcessorFlags(fs *pflag.FlagSet) {
	t.common.AddProcessorFlags(fs)
	fs.StringVar(&t.ontologyFileName, "ontology_file_name", "ontology.json", "Name of the ontology file in data_dir")
}

func (t *wosTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	ontology, err := data.LoadOntology(t.path(t.ontologyFileName))
	if err != nil {
		return nil, fmt.Errorf("load %s ontology: %w", t.name, err)
	}
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadWOS)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.WOSExample) ([]wosItem, error) {
		texts := make([]string, len(examples))
		for i, e := range examples {
			texts[i] = truncateLeft(e.Context, t.proc.MaxSeqLength)
		}
		vecs, err := encodeAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]wosItem, len(examples))
		for i, e := range examples {
			items[i] = wosItem{guid: e.GUID, x: vecs[i], targets: stateTargets(ontology, e.State), state: e.State}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newStateTracker(t.model, env.Encoder.Dim(), ontology, rand.New(rand.NewSource(env.Seed)))
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// stateTargets maps a "domain-slot-value" state to one value index per
// ontology slot. Unfilled slots and values outside the ontology are none.
func stateTargets(o *data.Ontology, state []string) []int {
	filled := make(map[string]string, len(state))
	for _, item := range state {
		slot := metric.SlotOf(item)
		if len(item) > len(slot)+1 {
			filled[slot] = item[len(slot)+1:]
		}
	}
	targets := make([]int, len(o.Slots))
	for s, slot := range o.Slots {
		v, ok := filled[slot]
		if !ok {
			continue
		}
		for i, cand := range o.Values[slot] {
			if i > 0 && cand == v {
				targets[s] = i
				break
			}
		}
	}
	return targets
}

// #endregion wos
