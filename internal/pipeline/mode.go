package pipeline

import (
	"errors"

	"printavo-archive/internal/config"
)

var ErrConflictingModes = errors.New("conflicting run modes")

// Mode selects which stages a run goes through. The zero value is a full
// run: api export, artwork scrape and, when minio is configured, a sync.
type Mode struct {
	APIOnly     bool
	ArtworkOnly bool
	// ProductionOnly scrapes artwork like ArtworkOnly but keeps only
	// production files.
	ProductionOnly bool
	SyncOnly       bool
	// Sync uploads to minio once the other stages are done.
	Sync        bool
	DryRun      bool
	Resume      bool
	SkipDetails bool
	// Limit caps how many orders the artwork stage and dry run look at.
	Limit int
}

func (m Mode) Name() string {
	switch {
	case m.DryRun:
		return "dry-run"
	case m.SyncOnly:
		return "sync-only"
	case m.APIOnly:
		return "api-only"
	case m.ProductionOnly:
		return "production-only"
	case m.ArtworkOnly:
		return "artwork-only"
	}
	return "full"
}

func (m Mode) Validate() error {
	if m.APIOnly && (m.ArtworkOnly || m.ProductionOnly) {
		return errors.Join(ErrConflictingModes, errors.New("api-only excludes the artwork stage"))
	}
	if m.SyncOnly && (m.APIOnly || m.ArtworkOnly || m.ProductionOnly || m.DryRun) {
		return errors.Join(ErrConflictingModes, errors.New("sync-only runs no other stage"))
	}
	if m.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func (m Mode) full() bool {
	return !m.APIOnly && !m.ArtworkOnly && !m.ProductionOnly && !m.SyncOnly
}

func (m Mode) runsAPI() bool {
	return !m.DryRun && !m.SyncOnly && !m.ArtworkOnly && !m.ProductionOnly
}

func (m Mode) runsArtwork() bool {
	return !m.DryRun && !m.SyncOnly && !m.APIOnly
}

func (m Mode) runsSync(minioConfigured bool) bool {
	if m.DryRun {
		return false
	}
	if m.SyncOnly || m.Sync {
		return true
	}
	return m.full() && minioConfigured
}

// needs lists the credentials the selected stages are going to use, an
// injected store stands in for the minio ones.
func (m Mode) needs(haveStore bool) config.Needs {
	return config.Needs{
		API:    m.runsAPI(),
		Scrape: m.runsArtwork(),
		Upload: (m.SyncOnly || m.Sync) && !m.DryRun && !haveStore,
	}
}
