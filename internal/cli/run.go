package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var runHeaders = []string{"ID", "PIPELINE", "STATUS", "STAGE", "STAGE_STATUS", "ATTEMPT", "CREATED"}

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunAttemptsCmd(clientFn, outputFn),
		newRunWaitCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipeline string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Pipeline: pipeline,
				Status:   status,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i := range runs {
				rows[i] = runRow(out, &runs[i])
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (ACTIVE, SUCCEEDED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "start PIPELINE",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			run, err := client.CreateRun(args[0], CreateRunRequest{
				Inputs:         parsed,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(out, run)}, run)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Return the existing run for a repeated key")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "PIPELINE", "STATUS", "STAGE", "STAGE_STATUS", "JOB", "ERROR", "CREATED"},
				[][]string{{
					run.ID, run.PipelineType, run.Status, stageLabel(run), run.StageStatus,
					run.Job, run.Error, out.Age(run.CreatedAt),
				}},
				run,
			)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancellation requested: %s", run.ID))
			return nil
		},
	}
}

func newRunAttemptsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts RUN_ID",
		Short: "List stage attempts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			attempts, err := client.ListAttempts(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STAGE", "ATTEMPT", "JOB", "OUTCOME", "SUBMITTED", "ERROR"}
			rows := make([][]string, len(attempts))
			for i, a := range attempts {
				rows[i] = []string{
					a.Stage, strconv.Itoa(a.Attempt), a.Job, a.Outcome,
					out.Age(a.SubmittedAt), a.Error,
				}
			}

			out.Print(headers, rows, attempts)
			return nil
		},
	}
}

func newRunWaitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var interval time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until a run finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := waitRun(client, args[0], interval, timeout)
			if err != nil {
				return err
			}

			out.Print(runHeaders, [][]string{runRow(out, run)}, run)
			if run.Status != "SUCCEEDED" {
				return fmt.Errorf("run %s failed at stage %s: %s", run.ID, run.Stage, run.Error)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this duration (0 waits forever)")

	return cmd
}

// waitRun опрашивает run, пока он не завершится.
func waitRun(client *Client, id string, interval, timeout time.Duration) (*RunResponse, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		run, err := client.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run.IsFinished() {
			return run, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("run %s is still %s after %s", id, run.StageStatus, timeout)
		}
		time.Sleep(interval)
	}
}

func runRow(out *Output, r *RunResponse) []string {
	return []string{
		r.ID, r.PipelineType, r.Status, stageLabel(r), r.StageStatus,
		strconv.Itoa(r.AttemptCount), out.Age(r.CreatedAt),
	}
}

// stageLabel — "process (2/3)".
func stageLabel(r *RunResponse) string {
	if r.Stage == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%d/%d)", r.Stage, r.StageIndex+1, r.StageCount)
}
