package task

import (
	"context"
	"math/rand"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/metric"
	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region model
type clsItem struct {
	guid  string
	x     []float64
	label int
}

type clsOutput struct {
	logits [][]float64
	labels []int
}

// SequenceClassifier predicts one label per pooled input.
type SequenceClassifier struct {
	base
	head    *nn.Head
	labels  []string
	metrics []namedMetric[int, int]
	outputs []clsOutput
}

func newSequenceClassifier(args ModelArgs, in int, labels []string, rng *rand.Rand, metrics []namedMetric[int, int]) *SequenceClassifier {
	head := nn.NewHead("classifier", in, args.HiddenSize, len(labels), rng)
	return &SequenceClassifier{
		base:    base{args: args, params: head.Params()},
		head:    head,
		labels:  labels,
		metrics: metrics,
	}
}

func (m *SequenceClassifier) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	items, err := itemsOf[clsItem](b)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	n := 0
	for _, it := range items {
		if it.label == data.Unlabeled {
			continue
		}
		logits, cache := m.head.Forward(it.x)
		loss, d := nn.CrossEntropy(logits, it.label)
		m.head.Backward(cache, d, g)
		sum += loss
		n++
	}
	return sum, n, nil
}

func (m *SequenceClassifier) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[clsItem](b)
	if err != nil {
		return err
	}
	out := clsOutput{}
	for _, it := range items {
		logits, _ := m.head.Forward(it.x)
		if it.label != data.Unlabeled {
			loss, _ := nn.CrossEntropy(logits, it.label)
			m.addLoss(loss, 1)
		}
		out.logits = append(out.logits, logits)
		out.labels = append(out.labels, it.label)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *SequenceClassifier) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

func (m *SequenceClassifier) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var preds, labels []int
	for _, out := range m.outputs {
		for _, l := range out.logits {
			preds = append(preds, metric.Argmax(l))
		}
		labels = append(labels, out.labels...)
	}
	names := make([]string, len(preds))
	for i, p := range preds {
		names[i] = m.labels[p]
	}
	keepPredictions(&m.base, names)

	m.logLoss(pass, log)
	if !allLabeled(labels) {
		return nil
	}
	return logMetrics(pass, log, m.metrics, preds, labels)
}

// #endregion model

// #region ynat
type ynatTask struct {
	common
}

func newYNAT() Task {
	return &ynatTask{common: common{name: "ynat", dataset: "ynat-v1.1", ext: ".json", maxSeqLen: 128}}
}

func (t *ynatTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadYNAT)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.TopicExample) ([]clsItem, error) {
		texts := make([]string, len(examples))
		for i, e := range examples {
			texts[i] = truncate(e.Title, t.proc.MaxSeqLength)
		}
		vecs, err := encodeAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]clsItem, len(examples))
		for i, e := range examples {
			items[i] = clsItem{guid: e.GUID, x: vecs[i], label: e.Label}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newSequenceClassifier(t.model, env.Encoder.Dim(), data.YNATLabels, rand.New(rand.NewSource(env.Seed)),
		[]namedMetric[int, int]{{name: "macro_f1", m: metric.New(metric.MacroF1)}})
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// #endregion ynat

// #region nli
type nliTask struct {
	common
}

func newNLI() Task {
	return &nliTask{common: common{name: "klue-nli", dataset: "klue-nli-v1.1", ext: ".json", maxSeqLen: 128}}
}

func (t *nliTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadNLI)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.PairExample) ([]clsItem, error) {
		texts := make([]string, 0, 2*len(examples))
		for _, e := range examples {
			texts = append(texts, truncate(e.Premise, t.proc.MaxSeqLength), truncate(e.Hypothesis, t.proc.MaxSeqLength))
		}
		vecs, err := encodeAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]clsItem, len(examples))
		for i, e := range examples {
			items[i] = clsItem{guid: e.GUID, x: pairFeatures(vecs[2*i], vecs[2*i+1]), label: e.Label}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newSequenceClassifier(t.model, 4*env.Encoder.Dim(), data.NLILabels, rand.New(rand.NewSource(env.Seed)),
		[]namedMetric[int, int]{{name: "accuracy", m: metric.New(metric.Accuracy)}})
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// #endregion nli
