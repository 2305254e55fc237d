package task

import (
	"fmt"
	"math"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/metric"
	"github.com/chrisjihee/KLUE-baseline/internal/nn"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region base
// base holds what every task model shares: parameters, optimizer settings,
// pass loss and retained predictions.
type base struct {
	args   ModelArgs
	params []*nn.Param

	lossSum float64
	lossN   int
	guids   []string
	preds   []Prediction
}

func (b *base) Parameters() []*nn.Param { return b.params }

// ConfigureOptimizers builds AdamW with a decay/no-decay split and a linear
// warmup/decay schedule.
func (b *base) ConfigureOptimizers(totalSteps int) (trainer.Optimizer, trainer.Scheduler) {
	cfg := nn.DefaultAdamWConfig()
	cfg.Epsilon = b.args.AdamEpsilon
	cfg.WeightDecay = b.args.WeightDecay
	opt := nn.NewAdamW(b.params, cfg)
	warmup := int(math.Ceil(float64(totalSteps) * b.args.WarmupRatio))
	return opt, nn.NewLinearSchedule(b.args.LearningRate, opt.NumGroups(), warmup, totalSteps)
}

// Predictions returns what the last pass retained.
func (b *base) Predictions() []Prediction { return b.preds }

func (b *base) startPass() {
	b.lossSum, b.lossN = 0, 0
	b.guids = b.guids[:0]
}

func (b *base) addLoss(loss float64, n int) {
	b.lossSum += loss
	b.lossN += n
}

func (b *base) logLoss(pass string, log trainer.MetricLogger) {
	if b.lossN > 0 {
		log.Log(pass+"-loss", b.lossSum/float64(b.lossN))
	}
}

func keepPredictions[V any](b *base, values []V) {
	if !b.args.WritePredictions {
		b.preds = nil
		return
	}
	b.preds = make([]Prediction, len(values))
	for i, v := range values {
		b.preds[i] = Prediction{GUID: b.guids[i], Value: v}
	}
}

// #endregion base

// #region metrics
type namedMetric[P, T any] struct {
	name string
	m    metric.Metric[P, T]
}

type namedLabelMetric[P, T, L any] struct {
	name string
	m    metric.LabelMetric[P, T, L]
}

// logMetrics resets each metric, feeds it the whole pass and logs the score
// under <pass>-<name>. An empty pass logs nothing.
func logMetrics[P, T any](pass string, log trainer.MetricLogger, metrics []namedMetric[P, T], preds []P, targets []T) error {
	if len(preds) == 0 {
		return nil
	}
	for _, nm := range metrics {
		nm.m.Reset()
		nm.m.Update(preds, targets)
		v, err := nm.m.Compute()
		if err != nil {
			return fmt.Errorf("%s-%s: %w", pass, nm.name, err)
		}
		log.Log(pass+"-"+nm.name, v)
	}
	return nil
}

func logLabelMetrics[P, T, L any](pass string, log trainer.MetricLogger, metrics []namedLabelMetric[P, T, L], preds []P, targets []T, info *L) error {
	if len(preds) == 0 {
		return nil
	}
	for _, nm := range metrics {
		nm.m.Reset()
		nm.m.Update(preds, targets, info)
		v, err := nm.m.Compute()
		if err != nil {
			return fmt.Errorf("%s-%s: %w", pass, nm.name, err)
		}
		log.Log(pass+"-"+nm.name, v)
	}
	return nil
}

func allLabeled(targets []int) bool {
	for _, t := range targets {
		if t == data.Unlabeled {
			return false
		}
	}
	return true
}

// #endregion metrics
