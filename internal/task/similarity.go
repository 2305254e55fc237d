package task

import (
	"context"
	"math/rand"

	"github.com/spf13/pflag"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/metric"
	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region model
type stsItem struct {
	guid    string
	x       []float64
	score   float64
	labeled bool
}

type stsOutput struct {
	logits  [][]float64
	labels  []float64
	labeled bool
}

// SimilarityRegressor predicts a similarity score from a sentence pair with a
// single-output head.
type SimilarityRegressor struct {
	base
	head    *nn.Head
	metrics []namedMetric[float64, float64]
	outputs []stsOutput
}

func newSimilarityRegressor(args ModelArgs, in int, threshold float64, rng *rand.Rand) *SimilarityRegressor {
	head := nn.NewHead("regressor", in, args.HiddenSize, 1, rng)
	return &SimilarityRegressor{
		base: base{args: args, params: head.Params()},
		head: head,
		metrics: []namedMetric[float64, float64]{
			{name: "pearsonr", m: metric.New(metric.PearsonR)},
			{name: "f1", m: metric.New(metric.BinaryF1At(threshold))},
		},
	}
}

func (m *SimilarityRegressor) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	items, err := itemsOf[stsItem](b)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	n := 0
	for _, it := range items {
		if !it.labeled {
			continue
		}
		logits, cache := m.head.Forward(it.x)
		loss, d := nn.MSE(logits[0], it.score)
		m.head.Backward(cache, []float64{d}, g)
		sum += loss
		n++
	}
	return sum, n, nil
}

func (m *SimilarityRegressor) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[stsItem](b)
	if err != nil {
		return err
	}
	out := stsOutput{labeled: true}
	for _, it := range items {
		logits, _ := m.head.Forward(it.x)
		if it.labeled {
			loss, _ := nn.MSE(logits[0], it.score)
			m.addLoss(loss, 1)
		} else {
			out.labeled = false
		}
		out.logits = append(out.logits, logits)
		out.labels = append(out.labels, it.score)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *SimilarityRegressor) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

// OnValidationEpochEnd concatenates the pass's labels in batch order, squeezes
// the single regression output into predictions and logs every metric.
func (m *SimilarityRegressor) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var labels []float64
	labeled := true
	for _, out := range m.outputs {
		labels = append(labels, out.labels...)
		labeled = labeled && out.labeled
	}
	preds := m.squeeze()
	keepPredictions(&m.base, preds)

	m.logLoss(pass, log)
	if !labeled {
		return nil
	}
	return logMetrics(pass, log, m.metrics, preds, labels)
}

func (m *SimilarityRegressor) squeeze() []float64 {
	var preds []float64
	for _, out := range m.outputs {
		for _, l := range out.logits {
			preds = append(preds, l[0])
		}
	}
	return preds
}

// #endregion model

// #region sts
type stsTask struct {
	common
	threshold float64
}

func newSTS() Task {
	return &stsTask{common: common{name: "klue-sts", dataset: "klue-sts-v1.1", ext: ".json", maxSeqLen: 128}}
}

func (t *stsTask) AddModelFlags(fs *pflag.FlagSet) {
	t.common.AddModelFlags(fs)
	fs.Float64Var(&t.threshold, "sts_threshold", 3.0, "Score at or above which a pair counts as paraphrase for f1")
}

func (t *stsTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadSTS)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.STSExample) ([]stsItem, error) {
		texts := make([]string, 0, 2*len(examples))
		for _, e := range examples {
			texts = append(texts, truncate(e.Sentence1, t.proc.MaxSeqLength), truncate(e.Sentence2, t.proc.MaxSeqLength))
		}
		vecs, err := encodeAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]stsItem, len(examples))
		for i, e := range examples {
			items[i] = stsItem{guid: e.GUID, x: pairFeatures(vecs[2*i], vecs[2*i+1]), score: e.Score, labeled: e.Labeled}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newSimilarityRegressor(t.model, 4*env.Encoder.Dim(), t.threshold, rand.New(rand.NewSource(env.Seed)))
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// #endregion sts
