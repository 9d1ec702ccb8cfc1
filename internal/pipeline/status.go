package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/checkpoint"
	"printavo-archive/internal/config"
	"printavo-archive/internal/scrapers/printavo"
	"printavo-archive/pkg/fsutil"

	"github.com/jedib0t/go-pretty/v6/table"
)

type StatusReport struct {
	DataDir string `json:"data_dir"`
	Locked  bool   `json:"locked"`
	// HasCheckpoint is false when no run has saved progress yet.
	HasCheckpoint bool             `json:"has_checkpoint"`
	RunID         string           `json:"run_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at,omitempty"`
	Resources     []string         `json:"resources"`
	ArtworkOrders int              `json:"artwork_orders"`
	InFlight      map[string]int   `json:"in_flight"`
	Stats         map[string]int64 `json:"stats"`
	LocalExports  []string         `json:"local_exports"`
	RemoteExports []string         `json:"remote_exports,omitempty"`
	// RemoteError is set when the bucket could not be listed.
	RemoteError string `json:"remote_error,omitempty"`
}

// Status reads the checkpoint and the exports without taking the lock, so
// it can be used while a run is going.
func Status(ctx context.Context, cfg config.Config, deps Deps) (*StatusReport, error) {
	assert.NotNil(deps.Clock)
	assert.NotNil(deps.Tel)
	report := &StatusReport{
		DataDir:  cfg.Archive.DataDir,
		Locked:   checkpoint.Held(cfg.Archive.DataDir),
		InFlight: map[string]int{},
	}

	path := cfg.Archive.CheckpointPath()
	if fsutil.NonEmpty(path) {
		state, err := checkpoint.Load(path, deps.Clock)
		if err != nil {
			return nil, err
		}
		report.HasCheckpoint = true
		report.RunID = state.RunID
		report.UpdatedAt = state.UpdatedAt
		report.Resources = state.Completed[ScopeResources]
		report.ArtworkOrders = len(state.Completed[printavo.ScopeArtwork])
		report.Stats = state.Stats
		for resource, page := range state.Cursors {
			report.InFlight[resource] = page
		}
	}

	var err error
	report.LocalExports, err = exportDirs(cfg.Archive.ExportsDir())
	if err != nil {
		return nil, err
	}

	if deps.Store == nil && !cfg.Minio.Configured() {
		return report, nil
	}
	r := &run{cfg: cfg, deps: deps}
	u, err := r.uploader()
	if err == nil {
		report.RemoteExports, err = u.ListExports(ctx)
	}
	if err != nil {
		report.RemoteError = err.Error()
	}
	return report, nil
}

func (s *StatusReport) Render(w io.Writer) {
	t := newTable(w, "Archive status")
	t.AppendRow(table.Row{"Data dir", s.DataDir})
	t.AppendRow(table.Row{"Run in progress", s.Locked})
	if !s.HasCheckpoint {
		t.AppendRow(table.Row{"Checkpoint", "none"})
	} else {
		t.AppendRows([]table.Row{
			{"Run", s.RunID},
			{"Updated", s.UpdatedAt.Format(time.RFC3339)},
			{"Resources done", len(s.Resources)},
			{"Artwork orders done", s.ArtworkOrders},
		})
		resources := make([]string, 0, len(s.InFlight))
		for r := range s.InFlight {
			resources = append(resources, r)
		}
		sort.Strings(resources)
		for _, r := range resources {
			t.AppendRow(table.Row{"Paging " + r, fmt.Sprintf("page %d", s.InFlight[r])})
		}
	}
	t.Render()

	exports := newTable(w, "Exports")
	exports.AppendHeader(table.Row{"Local", "Remote"})
	n := max(len(s.LocalExports), len(s.RemoteExports))
	for i := 0; i < n; i++ {
		var local, remote string
		if i < len(s.LocalExports) {
			local = s.LocalExports[i]
		}
		if i < len(s.RemoteExports) {
			remote = s.RemoteExports[i]
		}
		exports.AppendRow(table.Row{local, remote})
	}
	if s.RemoteError != "" {
		exports.AppendFooter(table.Row{"", "unavailable: " + s.RemoteError})
	}
	exports.Render()
}
