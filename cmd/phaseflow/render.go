package main

import (
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

const timeLayout = time.RFC3339

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func renderRuns(w io.Writer, runs []domain.WorkflowRun) {
	tw := newTable(w, table.Row{"ID", "Workflow", "Status", "Subject", "Step", "Retries", "Updated"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Workflow, r.Status, r.SubjectID, currentStep(r), r.RetryCount, r.UpdatedAt.Format(timeLayout)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(runs)})
	tw.Render()
}

// currentStep names the first unfinished step, or "-" when all are done.
func currentStep(r domain.WorkflowRun) string {
	if i := r.NextPending(); i >= 0 {
		return r.Steps[i].Name
	}
	return "-"
}

func renderRun(w io.Writer, r domain.WorkflowRun) {
	summary := newTable(w, table.Row{"Field", "Value"})
	summary.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Workflow", r.Workflow},
		{"Event", r.EventName + " (" + r.EventID + ")"},
		{"Subject", r.SubjectID},
		{"Status", r.Status},
		{"Retries", r.RetryCount},
		{"Deferrals", r.Deferrals},
		{"Heartbeat", r.HeartbeatAt.Format(timeLayout)},
		{"Last error", r.LastError},
	})
	summary.Render()

	steps := newTable(w, table.Row{"#", "Step", "Status", "Attempts", "Error"})
	for i, s := range r.Steps {
		steps.AppendRow(table.Row{i + 1, s.Name, s.Status, s.Attempts, s.Error})
	}
	steps.Render()
}

func renderStats(w io.Writer, counts map[domain.RunStatus]int) {
	statuses := make([]string, 0, len(counts))
	total := 0
	for s, n := range counts {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)

	tw := newTable(w, table.Row{"Status", "Runs"})
	for _, s := range statuses {
		tw.AppendRow(table.Row{s, counts[domain.RunStatus(s)]})
	}
	tw.AppendFooter(table.Row{"Total", total})
	tw.Render()
}

func renderSweeps(w io.Writer, results []domain.SweepResult) {
	tw := newTable(w, table.Row{"Sweep", "Started", "Duration", "Scanned", "Affected", "Failed", "Truncated", "Error"})
	for _, r := range results {
		tw.AppendRow(table.Row{
			r.Name, r.StartedAt.Format(timeLayout), r.Duration.Round(time.Millisecond),
			r.Scanned, r.Affected, r.Failed, r.Truncated, r.Error,
		})
	}
	tw.Render()
}
