// Package report renders job records as spreadsheets for operators.
package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

const (
	JobsSheet    = "Jobs"
	SummarySheet = "Summary"

	// ContentType is the MIME type of the workbook bytes
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var jobHeaders = []string{
	"Job ID",
	"User",
	"Segment",
	"File Name",
	"File Size",
	"Status",
	"Progress",
	"Current Step",
	"Meeting ID",
	"Analysis Key",
	"Transcript Key",
	"Total Score",
	"Error",
	"Created At",
	"Updated At",
}

// JobLister is the store surface the exporter reads
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// Exporter produces XLSX workbooks of job records
type Exporter struct {
	jobs   JobLister
	logger *logging.Logger
}

func NewExporter(jobs JobLister, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Exporter{jobs: jobs, logger: logger.WithField("component", "report")}
}

// ExportJobsXLSX returns a workbook with one row per job matching filter
// plus a per-status summary sheet
func (e *Exporter) ExportJobsXLSX(ctx context.Context, filter store.JobFilter) ([]byte, error) {
	start := time.Now()

	jobs, err := e.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	buf, err := WriteJobs(jobs)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Job export written", logging.Fields{
		"rows":       len(jobs),
		"bytes":      buf.Len(),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return buf.Bytes(), nil
}

// WriteJobs renders jobs into a new workbook
func WriteJobs(jobs []*models.Job) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", JobsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	for i, h := range jobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(JobsSheet, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(jobHeaders), 1)
	_ = f.SetCellStyle(JobsSheet, "A1", last, bold)

	for r, j := range jobs {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(JobsSheet, cell, v)
		}

		write(1, j.JobID)
		write(2, j.UserID)
		write(3, j.Segment)
		write(4, j.FileName)
		write(5, j.FileSize)
		write(6, string(j.Status))
		write(7, j.Progress)
		write(8, j.CurrentStep)
		write(9, j.MeetingID)
		write(10, j.AnalysisKey)
		write(11, j.TranscriptKey)
		if j.TotalScore != nil {
			write(12, *j.TotalScore)
		}
		write(13, j.ErrorMessage)
		write(14, j.CreatedAt.UTC().Format(time.RFC3339))
		write(15, j.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(JobsSheet, "A", "A", 38) // job id
	_ = f.SetColWidth(JobsSheet, "B", "C", 16)
	_ = f.SetColWidth(JobsSheet, "D", "D", 32) // file name
	_ = f.SetColWidth(JobsSheet, "H", "H", 22)
	_ = f.SetColWidth(JobsSheet, "J", "K", 44) // keys
	_ = f.SetColWidth(JobsSheet, "M", "M", 60) // error
	_ = f.SetColWidth(JobsSheet, "N", "O", 22)

	if err := writeSummary(f, jobs, bold); err != nil {
		return nil, err
	}

	idx, _ := f.GetSheetIndex(JobsSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf, nil
}

func writeSummary(f *excelize.File, jobs []*models.Job, headerStyle int) error {
	counts := Summarize(jobs)

	for i, h := range []string{"Status", "Jobs"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SummarySheet, cell, h); err != nil {
			return err
		}
	}
	_ = f.SetCellStyle(SummarySheet, "A1", "B1", headerStyle)

	row := 2
	for _, sc := range counts {
		_ = f.SetCellValue(SummarySheet, fmt.Sprintf("A%d", row), string(sc.Status))
		_ = f.SetCellValue(SummarySheet, fmt.Sprintf("B%d", row), sc.Count)
		row++
	}
	_ = f.SetCellValue(SummarySheet, fmt.Sprintf("A%d", row), "total")
	_ = f.SetCellValue(SummarySheet, fmt.Sprintf("B%d", row), len(jobs))
	_ = f.SetColWidth(SummarySheet, "A", "A", 16)
	return nil
}

// StatusCount is one row of the summary sheet
type StatusCount struct {
	Status models.JobStatus
	Count  int
}

// Summarize counts jobs per status in lifecycle order
func Summarize(jobs []*models.Job) []StatusCount {
	order := map[models.JobStatus]int{
		models.JobStatusQueued:     0,
		models.JobStatusProcessing: 1,
		models.JobStatusCompleted:  2,
		models.JobStatusFailed:     3,
	}

	byStatus := make(map[models.JobStatus]int)
	for _, j := range jobs {
		byStatus[j.Status]++
	}

	out := make([]StatusCount, 0, len(byStatus))
	for s, n := range byStatus {
		out = append(out, StatusCount{Status: s, Count: n})
	}
	sort.Slice(out, func(i, k int) bool {
		ri, known := order[out[i].Status]
		rk, otherKnown := order[out[k].Status]
		if known != otherKnown {
			return known
		}
		if ri != rk {
			return ri < rk
		}
		return out[i].Status < out[k].Status
	})
	return out
}
