package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stackrox/berserker/internal/metrics"
	"github.com/stackrox/berserker/internal/supervisor"
)

const ruleWidth = 96

// Summary prints the end-of-run table.
type Summary struct {
	w       io.Writer
	colors  *ColorScheme
	noColor bool
}

// NewSummary creates a summary writer. Colors are used only when w is a
// color-capable terminal and noColor is false.
func NewSummary(w io.Writer, noColor bool) *Summary {
	return newSummary(w, UseColors(w, noColor))
}

func newSummary(w io.Writer, colored bool) *Summary {
	if colored {
		return &Summary{w: w, colors: ForcedColorScheme()}
	}
	return &Summary{w: w, colors: NoColorScheme(), noColor: true}
}

type column struct {
	title string
	width int
	value func(r row) string
}

type row struct {
	id    string
	cpu   string
	state string
	snap  metrics.Snapshot
}

var columns = []column{
	{"WORKER", 7, func(r row) string { return r.id }},
	{"CPU", 4, func(r row) string { return r.cpu }},
	{"STATE", 9, func(r row) string { return r.state }},
	{"EVENTS", 10, func(r row) string { return formatNumber(r.snap.Events) }},
	{"ACTIONS", 10, func(r row) string { return formatNumber(r.snap.Actions) }},
	{"DROPPED", 8, func(r row) string { return formatNumber(r.snap.Dropped) }},
	{"FAILED", 7, func(r row) string { return formatNumber(r.snap.Failed) }},
	{"COLLIDED", 9, func(r row) string { return formatNumber(r.snap.Collisions) }},
	{"LAG P50", 8, func(r row) string { return formatDurationShort(r.snap.Lag.P50) }},
	{"LAG P99", 8, func(r row) string { return formatDurationShort(r.snap.Lag.P99) }},
	{"ACT P50", 8, func(r row) string { return formatDurationShort(r.snap.Latency.P50) }},
	{"ACT P99", 8, func(r row) string { return formatDurationShort(r.snap.Latency.P99) }},
}

// Print writes the summary of report. runErr is the outcome of the run.
func (s *Summary) Print(report *supervisor.Report, runErr error) {
	rule := strings.Repeat("━", ruleWidth)
	status := "Completed"
	if runErr != nil {
		status = "Failed"
	}

	s.writeln(s.colors.Rule.Sprint(rule))
	s.writeln(s.colors.Title.Sprintf("berserker %s - %s (%d workers, %s)",
		report.Workload, status, len(report.Workers), formatDuration(report.Duration)))
	s.writeln(s.colors.Rule.Sprint(rule))

	var header strings.Builder
	for _, c := range columns {
		header.WriteString(pad(c.title, c.width))
	}
	s.writeln(s.colors.Label.Sprint(strings.TrimRight(header.String(), " ")))

	for _, w := range report.Workers {
		cpu := "-"
		if w.CPU >= 0 {
			cpu = fmt.Sprintf("%d", w.CPU)
		}
		s.writeRow(row{id: fmt.Sprintf("%d", w.ID), cpu: cpu, state: w.State, snap: w.Snapshot})
	}
	s.writeln(s.colors.Dim.Sprint(strings.Repeat("─", ruleWidth)))
	s.writeRow(row{id: "total", cpu: "", state: "", snap: report.Total})
	s.writeln("")

	if rate := actionRate(report.Total); rate > 0 {
		s.writeln(fmt.Sprintf("%s %s", s.colors.Label.Sprint("Action rate:"), s.colors.Value.Sprintf("%.1f/s", rate)))
	}
	if report.Total.Resyncs > 0 {
		s.writeln(fmt.Sprintf("%s %s schedule resynced %d times, workers fell behind the configured rate",
			WarningIcon(s.noColor), s.colors.Warn.Sprint("Degraded:"), report.Total.Resyncs))
	}
	if runErr != nil {
		s.writeln(fmt.Sprintf("%s %s", ErrorIcon(s.noColor), s.colors.Bad.Sprint(runErr.Error())))
	} else {
		s.writeln(fmt.Sprintf("%s %s", SuccessIcon(s.noColor), s.colors.Good.Sprint("clean shutdown")))
	}
}

func (s *Summary) writeRow(r row) {
	var line strings.Builder
	for i, c := range columns {
		cell := pad(c.value(r), c.width)
		switch {
		case i == 2 && r.state != "" && r.state != "stopped":
			cell = s.colors.Bad.Sprint(cell)
		case c.title == "DROPPED" && r.snap.Dropped > 0,
			c.title == "FAILED" && r.snap.Failed > 0:
			cell = s.colors.Warn.Sprint(cell)
		}
		line.WriteString(cell)
	}
	s.writeln(strings.TrimRight(line.String(), " "))
}

func (s *Summary) writeln(line string) {
	fmt.Fprintln(s.w, line)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}

// actionRate is the run-wide action throughput.
func actionRate(total metrics.Snapshot) float64 {
	start := metrics.Snapshot{Timestamp: total.Timestamp.Add(-total.Elapsed)}
	return total.ActionRate(start)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}
