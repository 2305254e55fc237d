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
// mrcItem holds per-rune context features and the pooled question. Position 0
// of the start/end distribution is the null answer; context rune i is i+1.
type mrcItem struct {
	guid       string
	context    []rune
	tokens     [][]float64
	question   []float64
	start, end int
	golds      []string
}

type mrcOutput struct {
	answers []string
	golds   [][]string
}

// SpanExtractor scores start and end positions over a context and decodes the
// best span under max_answer_length, or the null answer when that scores higher.
type SpanExtractor struct {
	base
	qa              *nn.Linear
	maxAnswerLength int
	metrics         []namedMetric[string, []string]
	outputs         []mrcOutput
}

func newSpanExtractor(args ModelArgs, dim, maxAnswerLength int, rng *rand.Rand) *SpanExtractor {
	qa := nn.NewLinear("qa_outputs", 3*dim, 2, rng)
	return &SpanExtractor{
		base:            base{args: args, params: qa.Params()},
		qa:              qa,
		maxAnswerLength: maxAnswerLength,
		metrics: []namedMetric[string, []string]{
			{name: "exact_match", m: metric.New(metric.ExactMatch)},
			{name: "rouge_w", m: metric.New(metric.RougeW)},
		},
	}
}

// positions returns the feature row of every position, null first.
func (m *SpanExtractor) positions(it mrcItem) [][]float64 {
	dim := len(it.question)
	rows := make([][]float64, 0, len(it.tokens)+1)
	zero := make([]float64, dim)
	rows = append(rows, concatFeatures(zero, it.question, zero))
	for _, tok := range it.tokens {
		inter := make([]float64, dim)
		for i := range inter {
			inter[i] = tok[i] * it.question[i]
		}
		rows = append(rows, concatFeatures(tok, it.question, inter))
	}
	return rows
}

func (m *SpanExtractor) forward(rows [][]float64) (start, end []float64) {
	start = make([]float64, len(rows))
	end = make([]float64, len(rows))
	for p, x := range rows {
		y := m.qa.Forward(x)
		start[p], end[p] = y[0], y[1]
	}
	return start, end
}

func (m *SpanExtractor) TrainingStep(_ context.Context, b trainer.Batch, g *nn.Grads) (float64, int, error) {
	items, err := itemsOf[mrcItem](b)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	for _, it := range items {
		rows := m.positions(it)
		start, end := m.forward(rows)
		ls, ds := nn.CrossEntropy(start, it.start)
		le, de := nn.CrossEntropy(end, it.end)
		for p, x := range rows {
			m.qa.Backward(x, []float64{ds[p] / 2, de[p] / 2}, g)
		}
		sum += (ls + le) / 2
	}
	return sum, len(items), nil
}

func (m *SpanExtractor) ValidationStep(_ context.Context, b trainer.Batch) error {
	items, err := itemsOf[mrcItem](b)
	if err != nil {
		return err
	}
	out := mrcOutput{}
	for _, it := range items {
		start, end := m.forward(m.positions(it))
		ls, _ := nn.CrossEntropy(start, it.start)
		le, _ := nn.CrossEntropy(end, it.end)
		m.addLoss((ls+le)/2, 1)

		s, e := decodeSpan(start, end, m.maxAnswerLength)
		answer := ""
		if s > 0 {
			answer = string(it.context[s-1 : e])
		}
		out.answers = append(out.answers, answer)
		out.golds = append(out.golds, it.golds)
		m.guids = append(m.guids, it.guid)
	}
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *SpanExtractor) OnValidationEpochStart() {
	m.startPass()
	m.outputs = m.outputs[:0]
}

func (m *SpanExtractor) OnValidationEpochEnd(pass string, log trainer.MetricLogger) error {
	var answers []string
	var golds [][]string
	for _, out := range m.outputs {
		answers = append(answers, out.answers...)
		golds = append(golds, out.golds...)
	}
	keepPredictions(&m.base, answers)

	m.logLoss(pass, log)
	return logMetrics(pass, log, m.metrics, answers, golds)
}

// decodeSpan returns the highest scoring span s <= e with e-s < maxLen, or
// (0, 0) when the null answer scores at least as high.
func decodeSpan(start, end []float64, maxLen int) (int, int) {
	bestS, bestE := 0, 0
	best := start[0] + end[0]
	for s := 1; s < len(start); s++ {
		for e := s; e < len(end) && e-s < maxLen; e++ {
			if score := start[s] + end[e]; score > best {
				best, bestS, bestE = score, s, e
			}
		}
	}
	return bestS, bestE
}

// #endregion model

// #region mrc
type mrcTask struct {
	common
	maxAnswerLength int
}

func newMRC() Task {
	return &mrcTask{common: common{name: "klue-mrc", dataset: "klue-mrc-v1.1", ext: ".json", maxSeqLen: 510}}
}

func (t *mrcTask) AddModelFlags(fs *pflag.FlagSet) {
	t.common.AddModelFlags(fs)
	fs.IntVar(&t.maxAnswerLength, "max_answer_length", 30, "Maximum answer length in characters")
}

func (t *mrcTask) Setup(ctx context.Context, env Env) (*Bundle, error) {
	train, dev, test, err := loadSplits(&t.common, env.Command, data.LoadMRC)
	if err != nil {
		return nil, err
	}
	featurize := func(examples []data.MRCExample) ([]mrcItem, error) {
		contexts := make([]string, len(examples))
		questions := make([]string, len(examples))
		for i, e := range examples {
			contexts[i] = truncate(e.Context, t.proc.MaxSeqLength)
			questions[i] = e.Question
		}
		tokens, err := encodeTokensAll(ctx, env.Encoder, contexts, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		qvecs, err := encodeAll(ctx, env.Encoder, questions, t.proc.NumWorkers)
		if err != nil {
			return nil, err
		}
		items := make([]mrcItem, len(examples))
		for i, e := range examples {
			it := mrcItem{
				guid:     e.GUID,
				context:  []rune(contexts[i]),
				tokens:   tokens[i],
				question: qvecs[i],
				golds:    e.Answers,
			}
			it.start, it.end = answerPositions(e, len(it.context))
			items[i] = it
		}
		return items, nil
	}
	tr, va, te, err := buildLoaders(&t.common, train, dev, test, featurize)
	if err != nil {
		return nil, err
	}
	model := newSpanExtractor(t.model, env.Encoder.Dim(), max(1, t.maxAnswerLength), rand.New(rand.NewSource(env.Seed)))
	return &Bundle{Model: model, Train: tr, Val: va, Test: te}, nil
}

// answerPositions maps the first answer to start/end positions over a context
// of n kept runes. Impossible and truncated answers point at the null position.
func answerPositions(e data.MRCExample, n int) (int, int) {
	if e.Impossible || e.AnswerStart < 0 || len(e.Answers) == 0 {
		return 0, 0
	}
	length := len([]rune(e.Answers[0]))
	if length == 0 || e.AnswerStart+length > n {
		return 0, 0
	}
	return e.AnswerStart + 1, e.AnswerStart + length
}

// #endregion mrc
