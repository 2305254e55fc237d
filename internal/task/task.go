package task

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/chrisjihee/KLUE-baseline/internal/encoder"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// Commands the driver can run.
const (
	CommandTrain    = "train"
	CommandEvaluate = "evaluate"
	CommandTest     = "test"
)

// #region interfaces
// Env carries what a task needs to build its data and model.
type Env struct {
	Command string
	Encoder encoder.Encoder
	Log     *log.Logger
	Seed    int64
}

// Prediction is one retained model output.
type Prediction struct {
	GUID  string `json:"guid"`
	Value any    `json:"prediction"`
}

// Model is a trainable task model that can hand back its last predictions.
type Model interface {
	trainer.Module
	// Predictions returns the outputs of the last pass when --write_predictions is set.
	Predictions() []Prediction
}

// Bundle is a task's model plus the loaders the command needs. Unused splits are nil.
type Bundle struct {
	Model Model
	Train trainer.Loader
	Val   trainer.Loader
	Test  trainer.Loader
}

// Task pairs a data processor with a model type.
type Task interface {
	Name() string
	AddProcessorFlags(fs *pflag.FlagSet)
	AddModelFlags(fs *pflag.FlagSet)
	ModelArgs() ModelArgs
	Setup(ctx context.Context, env Env) (*Bundle, error)
}

// #endregion interfaces

// #region registry
var registry = map[string]func() Task{
	"ynat":     newYNAT,
	"klue-nli": newNLI,
	"klue-sts": newSTS,
	"klue-re":  newRE,
	"klue-ner": newNER,
	"klue-mrc": newMRC,
	"wos":      newWOS,
}

// Names lists registered tasks in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a fresh instance of the named task.
func Lookup(name string) (Task, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// #endregion registry

// #region args
// ProcessorArgs are the data flags every task shares.
type ProcessorArgs struct {
	DataDir        string
	TrainFileName  string
	DevFileName    string
	TestFileName   string
	MaxSeqLength   int
	TrainBatchSize int
	EvalBatchSize  int
	NumWorkers     int
}

func (p *ProcessorArgs) addFlags(fs *pflag.FlagSet, dataset, ext string, maxSeqLength int) {
	fs.StringVar(&p.DataDir, "data_dir", filepath.Join("data", "klue_benchmark", dataset), "The input data dir")
	fs.StringVar(&p.TrainFileName, "train_file_name", dataset+"_train"+ext, "Name of the train file")
	fs.StringVar(&p.DevFileName, "dev_file_name", dataset+"_dev"+ext, "Name of the dev file")
	fs.StringVar(&p.TestFileName, "test_file_name", dataset+"_test"+ext, "Name of the test file")
	fs.IntVar(&p.MaxSeqLength, "max_seq_length", maxSeqLength, "Maximum input length in characters; longer inputs are truncated")
	fs.IntVar(&p.TrainBatchSize, "train_batch_size", 32, "Batch size for training")
	fs.IntVar(&p.EvalBatchSize, "eval_batch_size", 64, "Batch size for evaluation")
	fs.IntVar(&p.NumWorkers, "num_workers", 4, "Number of concurrent featurization workers")
}

// ModelArgs are the optimization flags every task shares.
type ModelArgs struct {
	LearningRate     float64
	WeightDecay      float64
	AdamEpsilon      float64
	WarmupRatio      float64
	NumTrainEpochs   int
	HiddenSize       int
	WritePredictions bool
}

func (m *ModelArgs) addFlags(fs *pflag.FlagSet) {
	fs.Float64Var(&m.LearningRate, "learning_rate", 1e-3, "The initial learning rate for AdamW")
	fs.Float64Var(&m.WeightDecay, "weight_decay", 0.0, "Weight decay for AdamW")
	fs.Float64Var(&m.AdamEpsilon, "adam_epsilon", 1e-8, "Epsilon for AdamW")
	fs.Float64Var(&m.WarmupRatio, "warmup_ratio", 0.1, "Linear warmup over warmup_ratio fraction of total steps")
	fs.IntVar(&m.NumTrainEpochs, "num_train_epochs", 3, "Total number of training epochs")
	fs.IntVar(&m.HiddenSize, "hidden_size", 128, "Hidden units of the task head")
	fs.BoolVar(&m.WritePredictions, "write_predictions", false, "Write predictions of each evaluation pass")
}

// #endregion args

// #region common
// common is the processor/model configuration embedded in every task.
type common struct {
	name      string
	dataset   string
	ext       string
	maxSeqLen int
	proc      ProcessorArgs
	model     ModelArgs
}

func (c *common) Name() string { return c.name }

func (c *common) AddProcessorFlags(fs *pflag.FlagSet) {
	c.proc.addFlags(fs, c.dataset, c.ext, c.maxSeqLen)
}

func (c *common) AddModelFlags(fs *pflag.FlagSet) {
	c.model.addFlags(fs)
}

func (c *common) ModelArgs() ModelArgs { return c.model }

func (c *common) path(file string) string {
	return filepath.Join(c.proc.DataDir, file)
}

// loadSplits reads the splits command needs: train and dev for train, dev for
// evaluate, test for test.
func loadSplits[E any](c *common, command string, load func(string) ([]E, error)) (train, dev, test []E, err error) {
	read := func(file string) ([]E, error) {
		out, err := load(c.path(file))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", c.name, err)
		}
		if out == nil {
			out = []E{}
		}
		return out, nil
	}
	switch command {
	case CommandTrain:
		if train, err = read(c.proc.TrainFileName); err != nil {
			return nil, nil, nil, err
		}
		if dev, err = read(c.proc.DevFileName); err != nil {
			return nil, nil, nil, err
		}
	case CommandEvaluate:
		if dev, err = read(c.proc.DevFileName); err != nil {
			return nil, nil, nil, err
		}
	case CommandTest:
		if test, err = read(c.proc.TestFileName); err != nil {
			return nil, nil, nil, err
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown command %q", command)
	}
	return train, dev, test, nil
}

// buildLoaders featurizes each non-nil split and wraps it in a loader.
func buildLoaders[E, I any](c *common, train, dev, test []E, featurize func([]E) ([]I, error)) (tr, va, te trainer.Loader, err error) {
	wrap := func(examples []E, size int) (trainer.Loader, error) {
		if examples == nil {
			return nil, nil
		}
		items, err := featurize(examples)
		if err != nil {
			return nil, fmt.Errorf("featurize %s: %w", c.name, err)
		}
		return newLoader(items, size), nil
	}
	if tr, err = wrap(train, c.proc.TrainBatchSize); err != nil {
		return nil, nil, nil, err
	}
	if va, err = wrap(dev, c.proc.EvalBatchSize); err != nil {
		return nil, nil, nil, err
	}
	if te, err = wrap(test, c.proc.EvalBatchSize); err != nil {
		return nil, nil, nil, err
	}
	return tr, va, te, nil
}

// #endregion common
