package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	execStatusFilter string
	historyReverse   bool
	historyLimit     int
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect and control pipeline executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		execs, err := c.ListExecutions(cmd.Context(), execStatusFilter)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(execs)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Execution", "Job", "Status", "Stage", "Started", "Duration")
		for _, e := range execs {
			end := time.Now()
			if e.StoppedAt != nil {
				end = *e.StoppedAt
			}
			table.Append(
				e.ID,
				e.JobID,
				string(e.Status),
				orDash(e.CurrentStage),
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				end.Sub(e.StartedAt).Round(time.Second).String(),
			)
		}
		table.Render()
		return nil
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.GetExecution(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(e)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Execution", e.ID)
		table.Append("State Machine", e.StateMachine)
		table.Append("Job", e.JobID)
		table.Append("Status", string(e.Status))
		table.Append("Current Stage", orDash(e.CurrentStage))
		table.Append("Started At", e.StartedAt.Format(time.RFC3339))
		if e.StoppedAt != nil {
			table.Append("Stopped At", e.StoppedAt.Format(time.RFC3339))
		}
		if e.Error != "" {
			table.Append("Error", e.Error)
			table.Append("Cause", e.Cause)
		}
		table.Render()
		return nil
	},
}

var executionsHistoryCmd = &cobra.Command{
	Use:   "history <execution-id>",
	Short: "Print an execution's event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.History(cmd.Context(), args[0], historyReverse, historyLimit)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(events)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Time", "Type", "Stage", "Item", "Attempt", "Error")
		for _, ev := range events {
			item := "-"
			if ev.ItemIndex != nil {
				item = strconv.Itoa(*ev.ItemIndex)
			}
			errText := "-"
			if ev.Error != "" {
				errText = ev.Error + ": " + ev.Cause
			}
			table.Append(
				strconv.FormatInt(ev.ID, 10),
				ev.Timestamp.Local().Format("15:04:05.000"),
				string(ev.Type),
				orDash(ev.Stage),
				item,
				strconv.Itoa(ev.Attempt),
				errText,
			)
		}
		table.Render()
		return nil
	},
}

var executionsAbortCmd = &cobra.Command{
	Use:   "abort <execution-id>",
	Short: "Abort a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Abort(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Execution %s aborted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd, executionsShowCmd, executionsHistoryCmd, executionsAbortCmd)

	executionsListCmd.Flags().StringVar(&execStatusFilter, "status", "", "filter by status (RUNNING, SUCCEEDED, FAILED, TIMED_OUT, ABORTED)")
	executionsHistoryCmd.Flags().BoolVar(&historyReverse, "reverse", false, "newest events first")
	executionsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum number of events")
}
