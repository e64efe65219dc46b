package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewScheduleCmd — команды управления расписаниями.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules that start runs periodically",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleUpdateCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleToggleCmd(clientFn, outputFn, true),
		newScheduleToggleCmd(clientFn, outputFn, false),
	)
	return cmd
}

var scheduleHeaders = []string{"ID", "PIPELINE", "NAME", "TRIGGER", "OVERLAP", "ENABLED", "NEXT DUE", "LAST RUN", "LAST KEY"}

func scheduleRow(out *Output, s *ScheduleResponse) []string {
	return []string{
		s.ID, s.PipelineType, s.Name, triggerLabel(s), s.Overlap,
		strconv.FormatBool(s.Enabled), out.Age(s.NextDueAt), lastRunLabel(out, s), dashIfEmpty(s.LastRunKey),
	}
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipelineType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules with the outcome of their last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			schedules, err := clientFn().ListSchedules(pipelineType)
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i := range schedules {
				rows[i] = scheduleRow(out, &schedules[i])
			}
			out.Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineType, "pipeline", "", "Only schedules of this pipeline type")
	return cmd
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		req      CreateScheduleRequest
		inputs   []string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "create PIPELINE",
		Short: "Create a schedule for a registered pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			req.Inputs = parsed
			req.Enabled = !disabled

			schedule, err := clientFn().CreateSchedule(args[0], req)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Schedule created: %s", schedule.ID))
			out.Print(scheduleHeaders, [][]string{scheduleRow(out, schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Schedule name (required)")
	cmd.Flags().StringVar(&req.CronExpr, "cron", "", "Cron expression, e.g. '0 2 * * *'")
	cmd.Flags().IntVar(&req.IntervalSec, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "", "IANA timezone for the cron expression")
	cmd.Flags().StringVar(&req.Overlap, "overlap", "", "allow or skip firings while the previous run is active")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Run input as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a schedule and its last run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			s, err := clientFn().GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"FIELD", "VALUE"},
				[][]string{
					{"ID", s.ID},
					{"Pipeline", s.PipelineType},
					{"Name", s.Name},
					{"Trigger", triggerLabel(s)},
					{"Overlap", s.Overlap},
					{"Enabled", strconv.FormatBool(s.Enabled)},
					{"Next due", dashIfEmpty(out.Age(s.NextDueAt))},
					{"Last run", dashIfEmpty(s.LastRunID)},
					{"Last run status", lastRunLabel(out, s)},
					{"Last run key", dashIfEmpty(s.LastRunKey)},
					{"Last run error", dashIfEmpty(s.LastRunError)},
					{"Skipped fires", strconv.Itoa(s.SkippedFires)},
				},
				s,
			)
			return nil
		},
	}
}

func newScheduleUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		name, cronExpr, timezone, overlap string
		intervalSec                       int
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a schedule; only the given flags are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			var req UpdateScheduleRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("cron") {
				req.CronExpr = &cronExpr
			}
			if flags.Changed("interval") {
				req.IntervalSec = &intervalSec
			}
			if flags.Changed("timezone") {
				req.Timezone = &timezone
			}
			if flags.Changed("overlap") {
				req.Overlap = &overlap
			}

			schedule, err := clientFn().UpdateSchedule(args[0], req)
			if err != nil {
				return err
			}
			out.Success("Schedule updated")
			out.Print(scheduleHeaders, [][]string{scheduleRow(out, schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "New cron expression")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "New interval in seconds")
	cmd.Flags().StringVar(&timezone, "timezone", "", "New timezone")
	cmd.Flags().StringVar(&overlap, "overlap", "", "New overlap policy: allow or skip")
	return cmd
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule; runs it created are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteSchedule(args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleToggleCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	verb, short := "enable", "Enable a schedule"
	if !enabled {
		verb, short = "disable", "Disable a schedule"
	}

	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFn().SetScheduleEnabled(args[0], enabled); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Schedule %sd: %s", verb, args[0]))
			return nil
		},
	}
}

// triggerLabel — "cron 0 2 * * * Europe/Moscow" или "every 1m30s".
func triggerLabel(s *ScheduleResponse) string {
	switch {
	case s.CronExpr != "":
		label := "cron " + s.CronExpr
		if s.Timezone != "" && s.Timezone != "UTC" {
			label += " " + s.Timezone
		}
		return label
	case s.IntervalSec > 0:
		return "every " + (time.Duration(s.IntervalSec) * time.Second).String()
	}
	return "-"
}

// lastRunLabel — статус последнего run и когда он был создан.
func lastRunLabel(out *Output, s *ScheduleResponse) string {
	if s.LastRunID == "" {
		return "-"
	}
	status := dashIfEmpty(s.LastRunStatus)
	if s.LastRunAt == "" {
		return status
	}
	return status + " " + out.Age(s.LastRunAt)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
