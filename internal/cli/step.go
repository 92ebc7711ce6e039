package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStepCmd создаёт группу команд для шагов и их task-runs.
func NewStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Inspect and retry steps",
	}

	cmd.AddCommand(
		newStepRetryCmd(clientFn, outputFn),
		newStepAttemptsCmd(clientFn, outputFn),
	)

	return cmd
}

func newStepRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry STEP_RUN_ID",
		Short: "Retry a failed or killed step with a new generation of tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.RetryStepRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Step %s restarted, generation %d", run.ID, run.Generation))
			return nil
		},
	}
}

func newStepAttemptsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts TASK_RUN_ID",
		Short: "List attempts of a task run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			attempts, err := client.ListAttempts(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "NUMBER", "STATUS", "KIND", "ERROR"}
			rows := make([][]string, len(attempts))
			for i, a := range attempts {
				rows[i] = []string{a.ID, strconv.Itoa(a.Number), a.Status, a.FailureKind, a.Error}
			}

			out.Print(headers, rows, attempts)
			return nil
		},
	}
}

// NewActiveCmd создаёт команду со списком незавершённой работы.
func NewActiveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var rootID string

	cmd := &cobra.Command{
		Use:   "active",
		Short: "List step runs and task runs that are not finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			items, err := client.ListActive(rootID)
			if err != nil {
				return err
			}

			headers := []string{"KIND", "ID", "NAME", "STATUS", "STEP_RUN_ID"}
			rows := make([][]string, len(items))
			for i, it := range items {
				rows[i] = []string{it.Kind, it.ID, it.Name, it.Status, it.StepRunID}
			}

			out.Print(headers, rows, items)
			return nil
		},
	}

	cmd.Flags().StringVar(&rootID, "root", "", "Only items under this root run")

	return cmd
}
