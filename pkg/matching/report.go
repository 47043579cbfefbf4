package matching

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mila-iqia/sarc/pkg/api/models"
)

// Report summarizes one matching run for operators. Ambiguous decisions are
// listed in full so that the override and ignore lists can be extended.
type Report struct {
	Matched            int
	Unmatched          int
	Ambiguous          int
	Ignored            int
	Overridden         int
	SourceErrors       int
	AmbiguousDecisions []Decision
}

// NewReport tallies a slice of decisions.
func NewReport(decisions []Decision, sourceErrors int) *Report {
	r := &Report{SourceErrors: sourceErrors}

	for _, d := range decisions {
		switch d.Status {
		case models.MatchStatusMatched:
			r.Matched++
		case models.MatchStatusIgnored:
			r.Ignored++
		case models.MatchStatusOverride:
			r.Overridden++
		case models.MatchStatusUnmatched:
			r.Unmatched++
			if d.Confidence == ConfidenceLow {
				r.Ambiguous++
				r.AmbiguousDecisions = append(r.AmbiguousDecisions, d)
			}
		}
	}

	return r
}

// WriteTable renders the ambiguous decisions as a table for the terminal.
func (r *Report) WriteTable(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Internal Email", "Display Name", "Candidates"})

	for _, d := range r.AmbiguousDecisions {
		t.AppendRow(table.Row{
			d.Internal.Email,
			d.Internal.DisplayName,
			strings.Join(d.Candidates, ", "),
		})
	}

	t.Render()
}
