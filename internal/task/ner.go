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
type nerItem struct {
	guid string
	x    [][]float64 // one row per kept character
	tags []int       // every character, including truncated ones
}

type nerOutput struct {
	preds  [][]int
	labels [][]int
}

// TokenClassifier tags every character with a BIO label. Characters cut off
// by max_seq_length are predicted as O.
type TokenClassifier struct {
	base
	head    *nn.Head
	labels  []string
	outside int
	metrics []namedLabelMetric[[]int, []int, []string]
	outputs []nerOutput
}

func newTokenClassifier(args ModelArgs, in int, rng *rand.Rand) *TokenClassifier {
	head := nn.NewHead("classifier", in, args.HiddenSize, len(data.NERLabels), rng)
	return &TokenClassifier{
		base:    base{args: args, params: head.Params()},
		head:    head,
		labels:  data.NERLabels,
		outside: len(data.NERLabels) - 1,
		metrics: []namedLabelMetric[[]int, []int, []string]{
			{name: "entity_macro_f1", m: metric.NewLabel(metric.EntityMacroF1)},
			{name: "character_macro_f1", m: metric.NewLabel(metric.CharacterMacroF1)},
		},
	}
}

func (m *TokenClassifier) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	items, err := itemsOf[nerItem](b)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	n := 0
	for _, it := range items {
		for i, x := range it.x {
			if it.tags[i] == data.Unlabeled {
				continue
			}
			logits, cache := m.head.Forward(x)
			loss, d := nn.CrossEntropy(logits, it.tags[i])
			m.head.Backward(cache, d, g)
			sum += loss
			n++
		}
	}
	return sum, n, nil
}

func (m *TokenClassifier) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[nerItem](b)
	if err != nil {
		return err
	}
	out := nerOutput{}
	for _, it := range items {
		pred := make([]int, len(it.tags))
		for i := range pred {
			pred[i] = m.outside
		}
		for i, x := range it.x {
			logits, _ := m.head.Forward(x)
			pred[i] = metric.Argmax(logits)
			if it.tags[i] != data.Unlabeled {
				loss, _ := nn.CrossEntropy(logits, it.tags[i])
				m.addLoss(loss, 1)
			}
		}
		out.preds = append(out.preds, pred)
		out.labels = append(out.labels, it.tags)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *TokenClassifier) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

func (m *TokenClassifier) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var preds, labels [][]int
	labeled := true
	for _, out := range m.outputs {
		preds = append(preds, out.preds...)
		labels = append(labels, out.labels...)
		for _, tags := range out.labels {
			labeled = labeled && allLabeled(tags)
		}
	}
	tags := make([][]string, len(preds))
	for i, p := range preds {
		tags[i] = make([]string, len(p))
		for j, id := range p {
			tags[i][j] = m.labels[id]
		}
	}
	keepPredictions(&m.base, tags)

	m.logLoss(pass, log)
	if !labeled {
		return nil
	}
	return logLabelMetrics(pass, log, m.metrics, preds, labels, &m.labels)
}

// #endregion model

// #region ner
type nerTask struct {
	common
}

func newNER() Task {
	return &nerTask{common: common{name: "klue-ner", dataset: "klue-ner-v1.1", ext: ".tsv", maxSeqLen: 510}}
}

func (t *nerTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadNER)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.NERExample) ([]nerItem, error) {
		texts := make([]string, len(examples))
		for i, e := range examples {
			chars := e.Chars
			if t.proc.MaxSeqLength > 0 && len(chars) > t.proc.MaxSeqLength {
				chars = chars[:t.proc.MaxSeqLength]
			}
			texts[i] = data.NERExample{Chars: chars}.Text()
		}
		rows, err := encodeTokensAll(ctx, env.Encoder, texts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]nerItem, len(examples))
		for i, e := range examples {
			items[i] = nerItem{guid: e.GUID, x: alignRows(rows[i], e.Chars), tags: e.Tags}
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newTokenClassifier(t.model, env.Encoder.Dim(), rand.New(rand.NewSource(env.Seed)))
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// alignRows maps per-rune encoder rows back to characters. A character entry
// may hold more than one rune; its first rune's row stands for it.
func alignRows(rows [][]float64, chars []string) [][]float64 {
	out := make([][]float64, 0, len(chars))
	pos := 0
	for _, ch := range chars {
		if pos >= len(rows) {
			break
		}
		out = append(out, rows[pos])
		pos += max(1, len([]rune(ch)))
	}
	return out
}

// #endregion ner
