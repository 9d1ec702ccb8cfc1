package pipeline

import (
	"fmt"
	"io"
	"time"

	"printavo-archive/internal/scrapers/printavo"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// maxShownErrors caps the error sample printed at the end of a run.
const maxShownErrors = 10

// Summary is what a run did, stages that did not run are nil.
type Summary struct {
	RunID       string          `json:"run_id"`
	Mode        string          `json:"mode"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Interrupted bool            `json:"interrupted"`
	API         *APIResult      `json:"api,omitempty"`
	Artwork     *printavo.Stats `json:"artwork,omitempty"`
	Sync        *SyncSummary    `json:"sync,omitempty"`
	DryRun      *DryRunReport   `json:"dry_run,omitempty"`
}

func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt).Round(time.Second)
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderErrors(w io.Writer, title string, total int64, recent []string) {
	if total == 0 {
		return
	}
	if len(recent) > maxShownErrors {
		recent = recent[len(recent)-maxShownErrors:]
	}
	t := newTable(w, fmt.Sprintf("%s (%d total, latest %d)", title, total, len(recent)))
	for _, msg := range recent {
		t.AppendRow(table.Row{text.FgRed.Sprint(msg)})
	}
	t.Render()
}

func (s *Summary) Render(w io.Writer) {
	status := text.FgGreen.Sprint("complete")
	if s.Interrupted {
		status = text.FgYellow.Sprint("interrupted, rerun with --resume to continue")
	}

	t := newTable(w, "Printavo archive")
	t.AppendRows([]table.Row{
		{"Run", s.RunID},
		{"Mode", s.Mode},
		{"Status", status},
		{"Duration", s.Duration()},
	})
	t.Render()

	if s.DryRun != nil {
		s.DryRun.Render(w)
	}

	if s.API != nil {
		t := newTable(w, "Api export "+s.API.Timestamp)
		t.AppendHeader(table.Row{"Resource", "File", "Records"})
		for _, rc := range s.API.Resources {
			t.AppendRow(table.Row{rc.Name, rc.File, rc.Count})
		}
		t.AppendFooter(table.Row{"Requests", s.API.Stats.Requests, fmt.Sprintf("%d entities", s.API.Stats.Entities)})
		t.Render()
		if len(s.API.Failed) > 0 {
			fmt.Fprintln(w, text.FgYellow.Sprintf("incomplete resources, fetched again on resume: %v", s.API.Failed))
		}
		renderErrors(w, "Api errors", s.API.Stats.Errors, s.API.Stats.RecentErrors)
	}

	if s.Artwork != nil {
		a := s.Artwork
		t := newTable(w, "Artwork")
		t.AppendRows([]table.Row{
			{"Orders processed", a.OrdersProcessed},
			{"Orders with files", a.OrdersWithFiles},
			{"Orders already done", a.OrdersSkipped},
			{"Files found", a.FilesFound},
			{"Files downloaded", a.FilesDownloaded},
			{"Files already on disk", a.FilesSkipped},
			{"Files failed", a.FilesFailed},
			{"Downloaded", humanize.Bytes(uint64(a.BytesDownloaded))},
		})
		t.Render()
		renderErrors(w, "Artwork errors", a.Errors, a.RecentErrors)
	}

	if s.Sync != nil {
		t := newTable(w, "Sync")
		t.AppendHeader(table.Row{"Source", "Uploaded", "Skipped", "Failed", "Size"})
		for _, e := range s.Sync.Exports {
			t.AppendRow(table.Row{"exports/" + e.Timestamp, e.Uploaded, e.Skipped, e.Failed, humanize.Bytes(uint64(e.Bytes))})
		}
		a := s.Sync.Artwork
		t.AppendRow(table.Row{"artwork", a.Uploaded, a.Skipped, a.Failed, humanize.Bytes(uint64(a.Bytes))})
		st := s.Sync.Stats
		t.AppendFooter(table.Row{"Total", st.FilesUploaded, st.FilesSkipped, st.FilesFailed, humanize.Bytes(uint64(st.BytesUploaded))})
		t.Render()
		fmt.Fprintf(w, "indexes: %v, catalog: %d orders %d files\n", s.Sync.Indexes, s.Sync.Catalog.Orders, s.Sync.Catalog.Files)
		renderErrors(w, "Upload errors", st.Errors, st.RecentErrors)
	}
}
