package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

func TestExportJobsXLSX(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	for _, j := range []*models.Job{
		{JobID: "J1", UserID: "u1", Segment: "HEMS", FileName: "a.mp4", FileSize: 10, Status: models.JobStatusProcessing, CurrentStep: "transcribing", Progress: 55},
		{JobID: "J2", UserID: "u1", Segment: "HEMS", FileName: "b.mp4", Status: models.JobStatusProcessing},
		{JobID: "J3", UserID: "u2", Segment: "MEETING", FileName: "rec.mp4", Status: models.JobStatusProcessing, MeetingID: "meet123"},
	} {
		j.CreatedAt, j.UpdatedAt = created, created
		require.NoError(t, st.CreateJob(ctx, j))
	}
	_, err := st.UpdateJob(ctx, "J2", models.JobUpdate{
		Status:       models.StatusPtr(models.JobStatusCompleted),
		Progress:     models.IntPtr(100),
		AnalysisKey:  models.StringPtr("analysis/b_structured.json"),
		TotalScore:   models.FloatPtr(23),
		ErrorMessage: nil,
	})
	require.NoError(t, err)

	data, err := NewExporter(st, nil).ExportJobsXLSX(ctx, store.JobFilter{UserID: "u1"})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(JobsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, jobHeaders, rows[0])

	byID := map[string][]string{}
	for _, r := range rows[1:] {
		byID[r[0]] = r
	}
	require.Contains(t, byID, "J2")
	assert.Equal(t, "completed", byID["J2"][5])
	assert.Equal(t, "analysis/b_structured.json", byID["J2"][9])
	assert.Equal(t, "23", byID["J2"][11])
	assert.NotContains(t, byID, "J3")

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Status", "Jobs"},
		{"processing", "1"},
		{"completed", "1"},
		{"total", "2"},
	}, summary)
}

func TestSummarizeOrdersByLifecycle(t *testing.T) {
	jobs := []*models.Job{
		{Status: models.JobStatusFailed},
		{Status: "weird"},
		{Status: models.JobStatusQueued},
		{Status: models.JobStatusFailed},
	}
	assert.Equal(t, []StatusCount{
		{models.JobStatusQueued, 1},
		{models.JobStatusFailed, 2},
		{"weird", 1},
	}, Summarize(jobs))
}

func TestWriteJobsEmpty(t *testing.T) {
	buf, err := WriteJobs(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(JobsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
