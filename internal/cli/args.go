package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/chrisjihee/KLUE-baseline/internal/task"
)

var (
	// ErrUnknownCommand is returned for a command token outside train/evaluate/test.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownTask is returned when --task names no registered task.
	ErrUnknownTask = errors.New("unknown task")
)

// UsageError marks failures caused by the command line itself.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

func usage(format string, a ...any) error {
	return &UsageError{Err: fmt.Errorf(format, a...)}
}

// ExitCode maps a run error to a process exit code: 2 for usage errors, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *UsageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// #region generic-args
// GenericArgs are the flags every command accepts regardless of task.
type GenericArgs struct {
	Task                 string
	OutputDir            string
	Accelerator          string
	Devices              []int
	FP16                 bool
	NumSanityValSteps    int
	TPUCores             int
	MaxGradNorm          float64
	GradientAccumulation int
	Seed                 int64
	MetricKey            string
	Patience             int
	EarlyStoppingMode    string
	CheckpointMode       string
	CkptPath             string
}

func (g *GenericArgs) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&g.Task, "task", "", fmt.Sprintf("Run one of the task in %v", task.Names()))
	fs.StringVar(&g.OutputDir, "output_dir", "", "The output directory where the model predictions and checkpoints will be written.")
	fs.StringVar(&g.Accelerator, "accelerator", "auto", "Select accelerator type (cpu, auto)")
	fs.IntSliceVar(&g.Devices, "devices", nil, "Select specific devices as 0 1 or 0,1; more than one trains data-parallel")
	fs.BoolVar(&g.FP16, "fp16", false, "Whether to use 16-bit precision instead of 32-bit")
	fs.IntVar(&g.NumSanityValSteps, "num_sanity_val_steps", 2, "Sanity check validation steps (default 2 steps)")
	fs.IntVar(&g.TPUCores, "n_tpu_cores", 0, "Number of TPU cores (accepted, not used)")
	fs.Float64Var(&g.MaxGradNorm, "max_grad_norm", 1.0, "Max gradient norm")
	fs.IntVar(&g.GradientAccumulation, "gradient_accumulation_steps", 1, "Number of updates steps to accumulate before performing a backward/update pass.")
	fs.Int64Var(&g.Seed, "seed", 42, "random seed for initialization")
	fs.StringVar(&g.MetricKey, "metric_key", "loss", "The name of monitoring metric")
	fs.IntVar(&g.Patience, "patience", 100000, "The number of validation epochs with no improvement after which training will be stopped.")
	fs.StringVar(&g.EarlyStoppingMode, "early_stopping_mode", "max", "In min mode, training will stop when the quantity monitored has stopped decreasing; in max mode it will stop when the quantity monitored has stopped increasing")
	fs.StringVar(&g.CheckpointMode, "checkpoint_mode", "max", "Whether the best checkpoint maximizes or minimizes the monitored metric")
	fs.StringVar(&g.CkptPath, "ckpt_path", "", "Checkpoint to load before evaluate/test")
}

func (g *GenericArgs) validate() error {
	if g.Task == "" {
		return usage("the following arguments are required: --task")
	}
	if g.OutputDir == "" {
		return usage("the following arguments are required: --output_dir")
	}
	for _, mode := range []struct{ flag, value string }{
		{"early_stopping_mode", g.EarlyStoppingMode},
		{"checkpoint_mode", g.CheckpointMode},
	} {
		if mode.value != "min" && mode.value != "max" {
			return usage("argument --%s: invalid choice %q (choose from min, max)", mode.flag, mode.value)
		}
	}
	return nil
}

// #endregion generic-args

// #region two-stage-parse
// parsed is the result of both parse stages.
type parsed struct {
	command string
	generic GenericArgs
	task    task.Task
	flags   *pflag.FlagSet
}

// parseCommand normalizes the command token.
func parseCommand(token string) (string, error) {
	command := strings.ToLower(token)
	switch command {
	case task.CommandTrain, task.CommandEvaluate, task.CommandTest:
		return command, nil
	}
	return "", &UsageError{Err: fmt.Errorf("%w %q: command list: [%s %s %s]",
		ErrUnknownCommand, token, task.CommandTrain, task.CommandEvaluate, task.CommandTest)}
}

// parseArgs runs the generic stage, which tolerates task flags it does not
// know yet, resolves the task, then parses everything strictly with the
// task's processor and model flags added.
func parseArgs(command string, args []string) (*parsed, error) {
	args = joinListArgs(args, "devices")
	stage1 := pflag.NewFlagSet("klue "+command, pflag.ContinueOnError)
	stage1.ParseErrorsWhitelist.UnknownFlags = true
	stage1.SetOutput(io.Discard)
	var generic GenericArgs
	generic.addFlags(stage1)
	if err := stage1.Parse(args); err != nil {
		return nil, &UsageError{Err: err}
	}
	if err := generic.validate(); err != nil {
		return nil, err
	}
	tk, ok := task.Lookup(generic.Task)
	if !ok {
		return nil, &UsageError{Err: fmt.Errorf("%w %q: task list: %v", ErrUnknownTask, generic.Task, task.Names())}
	}

	p := &parsed{command: command, task: tk}
	p.flags = pflag.NewFlagSet("klue "+command, pflag.ContinueOnError)
	p.flags.SetOutput(io.Discard)
	p.generic.addFlags(p.flags)
	tk.AddProcessorFlags(p.flags)
	tk.AddModelFlags(p.flags)
	if err := p.flags.Parse(args); err != nil {
		return nil, &UsageError{Err: err}
	}
	if extra := p.flags.Args(); len(extra) > 0 {
		return nil, usage("unrecognized arguments: %s", strings.Join(extra, " "))
	}
	if err := p.generic.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// joinListArgs rewrites "--name 0 1" as "--name 0,1" so a list flag takes
// space-separated values as well as comma-separated ones.
func joinListArgs(args []string, name string) []string {
	flag := "--" + name
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		var vals []string
		switch {
		case arg == flag && i+1 < len(args):
			i++
			vals = []string{args[i]}
		case strings.HasPrefix(arg, flag+"="):
			vals = []string{strings.TrimPrefix(arg, flag+"=")}
		default:
			out = append(out, arg)
			continue
		}
		for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			vals = append(vals, args[i])
		}
		out = append(out, flag+"="+strings.Join(vals, ","))
	}
	return out
}

// values returns every flag's name and current value, sorted by name.
func (p *parsed) values() ([]string, map[string]string) {
	var keys []string
	values := make(map[string]string)
	p.flags.VisitAll(func(f *pflag.Flag) {
		keys = append(keys, f.Name)
		values[f.Name] = f.Value.String()
	})
	return keys, values
}

// #endregion two-stage-parse
