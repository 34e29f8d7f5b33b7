package supervisor

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ilocn/prspec/internal/worker"
)

var totalsLine = regexp.MustCompile(`(\d+) examples?, (\d+) failures?`)

// ParseTotals finds the runner's "N examples, M failures" line in output,
// ignoring colour codes. The last occurrence wins.
func ParseTotals(output string) (examples, failures int, ok bool) {
	all := totalsLine.FindAllStringSubmatch(stripansi.Strip(output), -1)
	if len(all) == 0 {
		return 0, 0, false
	}
	m := all[len(all)-1]
	examples, _ = strconv.Atoi(m[1])
	failures, _ = strconv.Atoi(m[2])
	return examples, failures, true
}

// WriteSummary renders one table row per worker plus a totals footer.
func WriteSummary(w io.Writer, r *Report) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("prspec")
	t.AppendHeader(table.Row{"Worker", "Tests", "Examples", "Failures", "Exit", "Duration", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Examples", Align: text.AlignRight},
		{Name: "Failures", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	var examples, failures int
	for _, res := range r.Results {
		ex, fail, ok := ParseTotals(res.Output)
		exCell, failCell := any("-"), any("-")
		if ok {
			examples += ex
			failures += fail
			exCell, failCell = ex, fail
		}
		t.AppendRow(table.Row{
			res.ID,
			res.Tests,
			exCell,
			failCell,
			exitCell(res),
			formatDuration(res.Duration),
			status(r, res),
		})
	}

	overall := "PASS"
	switch {
	case r.DryRun:
		overall = "DRY RUN"
	case len(r.Failures()) > 0:
		overall = "FAIL"
	}
	t.AppendFooter(table.Row{"TOTAL", r.Tests(), examples, failures, "", formatDuration(r.Duration), overall})
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}

func exitCell(res worker.Result) string {
	switch {
	case res.Detached:
		return "-"
	case res.Err != nil && res.PID == 0:
		return "spawn"
	default:
		return strconv.Itoa(res.ExitCode)
	}
}

func status(r *Report, res worker.Result) string {
	switch {
	case r.DryRun:
		return "SKIP"
	case res.Detached:
		return "DETACHED"
	case res.Failed():
		return "FAIL"
	default:
		return "PASS"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}
