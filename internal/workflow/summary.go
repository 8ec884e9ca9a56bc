package workflow

import (
	"strings"

	"github.com/weatherman3/nbrun/internal/execute"
	"github.com/weatherman3/nbrun/internal/notebook"
	"github.com/weatherman3/nbrun/internal/report"
)

// maxSummaryText caps the text kept per output in a report.
const maxSummaryText = 4 << 10

// summarise builds the per-cell part of a run report.
func summarise(nb *notebook.Notebook, res *execute.Result) []report.CellResult {
	cells := make([]report.CellResult, len(res.Cells))
	for i, rec := range res.Cells {
		cells[i] = report.CellResult{
			Index:          rec.Index,
			Type:           string(rec.Type),
			Status:         string(rec.Status),
			ExecutionCount: rec.ExecutionCount,
			DurationMS:     rec.Duration.Milliseconds(),
		}
		if rec.Status == execute.StatusNarrative || rec.Status == execute.StatusNotRun || rec.Status == execute.StatusSkipped {
			continue
		}
		for _, out := range nb.Cells[i].Outputs {
			cells[i].Outputs = append(cells[i].Outputs, summariseOutput(out))
		}
	}
	return cells
}

func summariseOutput(out *notebook.Output) report.OutputSummary {
	s := report.OutputSummary{Type: string(out.Type)}
	switch out.Type {
	case notebook.Stream:
		s.Name = out.Name
		s.Text = string(out.Text)
	case notebook.Error:
		s.Name = out.EName
		var b strings.Builder
		for _, line := range out.Traceback {
			b.WriteString(execute.StripANSI(line))
			b.WriteByte('\n')
		}
		s.Text = b.String()
		if s.Text == "" {
			s.Text = out.PlainText()
		}
	default:
		s.Text = out.PlainText()
	}
	if len(s.Text) > maxSummaryText {
		s.Text = s.Text[:maxSummaryText] + "\n... [truncated]"
	}
	return s
}
