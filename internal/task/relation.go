package task

import (
	"context"
	"math/rand"
	"sort"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/metric"
	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// Entity markers wrapped around the subject and object spans.
const (
	subjectStart = "<subj>"
	subjectEnd   = "</subj>"
	objectStart  = "<obj>"
	objectEnd    = "</obj>"
)

// #region model
type reOutput struct {
	probs  [][]float64
	labels []int
}

// RelationClassifier scores every relation class for a marked entity pair.
type RelationClassifier struct {
	base
	head    *nn.Head
	labels  []string
	metrics []namedLabelMetric[[]float64, int, []string]
	outputs []reOutput
}

func newRelationClassifier(args ModelArgs, in int, rng *rand.Rand) *RelationClassifier {
	head := nn.NewHead("classifier", in, args.HiddenSize, len(data.RELabels), rng)
	return &RelationClassifier{
		base:   base{args: args, params: head.Params()},
		head:   head,
		labels: data.RELabels,
		metrics: []namedLabelMetric[[]float64, int, []string]{
			{name: "micro_f1", m: metric.NewLabel(metric.RelationMicroF1)},
			{name: "auprc", m: metric.NewLabel(metric.RelationAUPRC)},
		},
	}
}

func (m *RelationClassifier) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
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

func (m *RelationClassifier) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[clsItem](b)
	if err != nil {
		return err
	}
	out := reOutput{}
	for _, it := range items {
		logits, _ := m.head.Forward(it.x)
		if it.label != data.Unlabeled {
			loss, _ := nn.CrossEntropy(logits, it.label)
			m.addLoss(loss, 1)
		}
		out.probs = append(out.probs, nn.Softmax(logits))
		out.labels = append(out.labels, it.label)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *RelationClassifier) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

func (m *RelationClassifier) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var probs [][]float64
	var labels []int
	for _, out := range m.outputs {
		probs = append(probs, out.probs...)
		labels = append(labels, out.labels...)
	}
	names := make([]string, len(probs))
	for i, p := range probs {
		names[i] = m.labels[metric.Argmax(p)]
	}
	keepPredictions(&m.base, names)

	m.logLoss(pass, log)
	if !allLabeled(labels) {
		return nil
	}
	return logLabelMetrics(pass, log, m.metrics, probs, labels, &m.labels)
}

// #endregion model

// #region re
type reTask struct {
	common
}

func newRE() Task {
	return &reTask{common: common{name: "klue-re", dataset: "klue-re-v1.1", ext: ".json", maxSeqLen: 256}}
}

func (t *reTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadRE)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.REExample) ([]clsItem, error) {
		texts := make([]string, 0, 3*len(examples))
		for _, e := range examples {
			texts = append(texts,
				truncate(markEntities(e.Sentence, e.Subject, e.Object), t.proc.MaxSeqLength),
				e.Subject.Word+" "+e.Subject.Type,
				e.Object.Word+" "+e.Object.Type,
			)
		}
		vecs, err := encodeAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]clsItem, len(examples))
		for i, e := range examples {
			items[i] = clsItem{guid: e.GUID, x: concatFeatures(vecs[3*i], vecs[3*i+1], vecs[3*i+2]), label: e.Label}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newRelationClassifier(t.model, 3*env.Encoder.Dim(), rand.New(rand.NewSource(env.Seed)))
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// markEntities wraps the subject and object spans in marker tokens. Spans are
// inclusive rune offsets; a span outside the sentence is left unmarked.
func markEntities(sentence string, subj, obj data.Entity) string {
	runes := []rune(sentence)
	type mark struct {
		at    int
		text  string
		order int
	}
	var marks []mark
	add := func(e data.Entity, open, close string) {
		if e.Start < 0 || e.End < e.Start || e.End >= len(runes) {
			return
		}
		marks = append(marks, mark{at: e.Start, text: open, order: 1}, mark{at: e.End + 1, text: close, order: 0})
	}
	add(subj, subjectStart, subjectEnd)
	add(obj, objectStart, objectEnd)
	sort.SliceStable(marks, func(i, j int) bool {
		if marks[i].at != marks[j].at {
			return marks[i].at < marks[j].at
		}
		return marks[i].order < marks[j].order
	})

	out := make([]rune, 0, len(runes)+32)
	prev := 0
	for _, mk := range marks {
		out = append(out, runes[prev:mk.at]...)
		out = append(out, []rune(mk.text)...)
		prev = mk.at
	}
	out = append(out, runes[prev:]...)
	return string(out)
}

// #endregion re
