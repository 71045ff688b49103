package updater

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Stats aggregates what one run did, for the end-of-run summary and the
// caller's exit decision.
type Stats struct {
	ReportsConfigured  int
	ReportsResolved    int
	WindowsComputed    int
	WindowsFailed      int
	RowsWritten        int
	ArtifactsUpdated   int
	BytesWritten       int64
	DirectivesConsumed int
	Elapsed            time.Duration
}

// Failed reports whether any window of the run failed to materialize.
func (s *Stats) Failed() bool {
	return s.WindowsFailed > 0
}

// Summary renders the run statistics as a compact table.
func (s *Stats) Summary() string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"metric", "value"})

	tbl.AppendRow(table.Row{"reports resolved", fmt.Sprintf("%d/%d", s.ReportsResolved, s.ReportsConfigured)})
	tbl.AppendRow(table.Row{"windows computed", s.WindowsComputed})
	tbl.AppendRow(table.Row{"windows failed", s.WindowsFailed})
	tbl.AppendRow(table.Row{"rows written", s.RowsWritten})
	tbl.AppendRow(table.Row{"artifacts updated", s.ArtifactsUpdated})
	tbl.AppendRow(table.Row{"bytes written", humanize.Bytes(uint64(max(s.BytesWritten, 0)))})
	tbl.AppendRow(table.Row{"reruns consumed", s.DirectivesConsumed})
	tbl.AppendRow(table.Row{"elapsed", s.Elapsed.Round(time.Millisecond).String()})

	return tbl.Render()
}

// artifactBytes sums the on-disk size of the written artifacts. Paths
// that cannot be measured contribute nothing.
func artifactBytes(paths map[string]struct{}) int64 {
	var total int64

	for path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		total += info.Size()
	}

	return total
}
