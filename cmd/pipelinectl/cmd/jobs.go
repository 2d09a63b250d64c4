package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/media-pipeline/pkg/client"
	"github.com/psantana5/media-pipeline/pkg/models"
)

var (
	jobStatusFilter string
	jobUserFilter   string
	jobLimit        int
	followStatus    bool
	exportFile      string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download jobs as an XLSX workbook",
	RunE:  runJobsExport,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsExportCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsExportCmd} {
		c.Flags().StringVar(&jobStatusFilter, "status", "", "filter by status (queued, processing, completed, failed)")
		c.Flags().StringVar(&jobUserFilter, "user", "", "filter by user id")
		c.Flags().IntVar(&jobLimit, "limit", 0, "maximum number of jobs")
	}
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll every 2 seconds until the job finishes")
	jobsExportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "output path (default jobs-<timestamp>.xlsx)")
}

func jobQuery() client.JobQuery {
	return client.JobQuery{Status: jobStatusFilter, UserID: jobUserFilter, Limit: jobLimit}
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := c.ListJobs(cmd.Context(), jobQuery())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "User", "Segment", "File", "Status", "Progress", "Step", "Created")
	for _, j := range jobs {
		table.Append(
			j.JobID,
			j.UserID,
			j.Segment,
			j.FileName,
			string(j.Status),
			fmt.Sprintf("%d%%", j.Progress),
			orDash(j.CurrentStep),
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	jobID := args[0]

	if !followStatus {
		job, err := c.GetJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return displayJob(job)
	}

	fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
	for {
		job, err := c.GetJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		fmt.Print("\033[H\033[2J")
		if err := displayJob(job); err != nil {
			return err
		}
		if models.IsTerminalState(job.Status) {
			fmt.Println("\nJob reached terminal state")
			return nil
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func displayJob(j *models.Job) error {
	if IsJSONOutput() {
		return printJSON(j)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", j.JobID)
	table.Append("User", j.UserID)
	table.Append("Segment", j.Segment)
	table.Append("File", fmt.Sprintf("%s (%d bytes)", j.FileName, j.FileSize))
	table.Append("Status", string(j.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", j.Progress))
	table.Append("Current Step", orDash(j.CurrentStep))
	table.Append("Execution", orDash(j.ExecutionReference))
	if j.MeetingID != "" {
		table.Append("Meeting", j.MeetingID)
	}
	if j.AnalysisKey != "" {
		table.Append("Analysis", j.AnalysisKey)
	}
	if j.TranscriptKey != "" {
		table.Append("Transcript", j.TranscriptKey)
	}
	if j.TotalScore != nil {
		table.Append("Total Score", fmt.Sprintf("%g", *j.TotalScore))
	}
	if j.ErrorMessage != "" {
		table.Append("Error", j.ErrorMessage)
	}
	table.Append("Created At", j.CreatedAt.Format(time.RFC3339))
	table.Append("Updated At", j.UpdatedAt.Format(time.RFC3339))
	table.Render()
	return nil
}

func runJobsExport(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	data, err := c.ExportJobs(ctx, jobQuery())
	if err != nil {
		return err
	}

	path := exportFile
	if path == "" {
		path = fmt.Sprintf("jobs-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
	return nil
}
