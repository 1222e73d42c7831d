package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/c360studio/hexsweep/dggs"
	"github.com/c360studio/hexsweep/ledger"
	"github.com/c360studio/hexsweep/sweep"
)

var (
	headStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6BCB77"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func statusText(s ledger.Status) string {
	switch s {
	case ledger.StatusFailed:
		return failStyle.Render(string(s))
	case ledger.StatusCompleted, ledger.StatusDispatched:
		return okStyle.Render(string(s))
	default:
		return string(s)
	}
}

func printReport(w io.Writer, r *sweep.Report) {
	t := newTable("CASE", "RES", "METERS", "THRESHOLD", "STATUS", "CELLS", "DURATION", "WORKSPACE")
	for _, c := range r.Cases {
		cells := ""
		if c.MeshCells > 0 {
			cells = strconv.Itoa(c.MeshCells)
		}
		t.Row(
			fmt.Sprintf("%03d", c.Case.Index),
			strconv.Itoa(c.Case.Resolution),
			fmt.Sprintf("%.1f", c.Meters),
			fmt.Sprintf("%.1f", c.Threshold),
			statusText(c.Status),
			cells,
			c.Duration.Round(time.Millisecond).String(),
			c.Workspace,
		)
	}

	head := headStyle.Render(fmt.Sprintf("SWEEP · %s · %s", r.SweepID, r.Mode))
	lines := []string{head, t.String()}
	if r.JobScript != "" {
		lines = append(lines, dimStyle.Render("job script: "+r.JobScript))
	}
	for _, c := range r.Failed() {
		lines = append(lines, failStyle.Render(c.Err.Error()))
	}
	if r.Aborted {
		lines = append(lines, failStyle.Render("sweep aborted"))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func renderResolutions(grid string, rows []dggs.Row) string {
	t := newTable("RES", "CELLS", "AREA (km²)", "LENGTH (m)")
	for _, r := range rows {
		t.Row(
			strconv.Itoa(r.Resolution),
			strconv.FormatFloat(r.Cells, 'f', 0, 64),
			fmt.Sprintf("%.3f", r.AreaKm2),
			fmt.Sprintf("%.2f", r.Meters),
		)
	}
	return headStyle.Render(grid) + "\n" + t.String()
}

func renderRecords(recs []ledger.Record) string {
	if len(recs) == 0 {
		return dimStyle.Render("no cases recorded")
	}
	t := newTable("ID", "SWEEP", "CASE", "RES", "MODE", "STATUS", "CELLS", "STARTED", "ERROR")
	for _, r := range recs {
		sweepID := r.SweepID
		if len(sweepID) > 8 {
			sweepID = sweepID[:8]
		}
		t.Row(
			strconv.FormatInt(r.ID, 10),
			sweepID,
			fmt.Sprintf("%03d", r.CaseIndex),
			strconv.Itoa(r.ResolutionIndex),
			r.Mode,
			statusText(r.Status),
			strconv.Itoa(r.MeshCells),
			r.StartedAt.Local().Format(time.DateTime),
			r.Error,
		)
	}
	return t.String()
}
