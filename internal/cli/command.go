package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chrisjihee/KLUE-baseline/internal/task"
)

// #region root
// NewRootCommand builds the klue command tree. Subcommands disable cobra's
// flag parsing because task flags are only known after --task is read.
func NewRootCommand(r *Runner) *cobra.Command {
	root := &cobra.Command{
		Use:           "klue <train|evaluate|test> --task <name> --output_dir <dir> [flags]",
		Short:         "Train and evaluate baselines on the KLUE benchmark tasks",
		Long:          fmt.Sprintf("Train and evaluate baselines on the KLUE benchmark tasks.\n\nTasks: %s", strings.Join(task.Names(), ", ")),
		SilenceUsage:  true,
		SilenceErrors: true,
		// Unknown or differently cased command tokens land here with their flags.
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || wantsHelp(args[:1]) {
				return cmd.Help()
			}
			if args[0] == "--version" {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
				return nil
			}
			return r.Run(cmd.Context(), args[0], args[1:])
		},
	}
	for _, name := range []string{task.CommandTrain, task.CommandEvaluate, task.CommandTest} {
		root.AddCommand(&cobra.Command{
			Use:                name + " --task <name> --output_dir <dir> [flags]",
			Short:              commandHelp[name],
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				if wantsHelp(args) {
					return cmd.Help()
				}
				return r.Run(cmd.Context(), name, args)
			},
		})
	}
	return root
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			return true
		}
	}
	return false
}

var commandHelp = map[string]string{
	task.CommandTrain:    "Fit on train, validate on dev, then score the best checkpoint on dev",
	task.CommandEvaluate: "Run one pass over the dev split",
	task.CommandTest:     "Run one pass over the test split",
}

// #endregion root
