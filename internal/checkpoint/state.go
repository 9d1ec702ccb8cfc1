// Package checkpoint persists resumable progress. The on-disk format is a
// single JSON document, the Accumulator is the only thing allowed to mutate
// it while a run is in progress.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"time"

	"printavo-archive/internal/components/chrono"
	"printavo-archive/pkg/fsutil"

	"github.com/google/uuid"
)

type State struct {
	RunID string `json:"run_id"`
	// Cursors holds the last page fetched for each api resource.
	Cursors map[string]int `json:"cursors"`
	// Partial holds entities accumulated for a resource that has not finished.
	Partial map[string][]map[string]any `json:"partial"`
	// FailedPages holds pages of a resource that were skipped past the cursor.
	FailedPages map[string][]int `json:"failed_pages,omitempty"`
	// Completed holds identifiers per scope in the order they were completed,
	// scopes are things like "resources" or "artwork".
	Completed map[string][]string `json:"completed"`
	Stats     map[string]int64    `json:"stats"`
	// Meta holds run level values, like the export directory being filled.
	Meta      map[string]string `json:"meta"`
	UpdatedAt time.Time         `json:"updated_at"`

	index map[string]map[string]struct{}
}

func New(clock chrono.API) *State {
	s := &State{
		RunID:     uuid.NewString(),
		UpdatedAt: clock.Now(),
	}
	s.init()
	return s
}

func (s *State) init() {
	if s.Cursors == nil {
		s.Cursors = map[string]int{}
	}
	if s.Partial == nil {
		s.Partial = map[string][]map[string]any{}
	}
	if s.FailedPages == nil {
		s.FailedPages = map[string][]int{}
	}
	if s.Completed == nil {
		s.Completed = map[string][]string{}
	}
	if s.Stats == nil {
		s.Stats = map[string]int64{}
	}
	if s.Meta == nil {
		s.Meta = map[string]string{}
	}
	s.index = map[string]map[string]struct{}{}
	for scope, ids := range s.Completed {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.index[scope] = set
	}
}

func (s *State) IsComplete(scope, id string) bool {
	_, ok := s.index[scope][id]
	return ok
}

// MarkComplete records id under scope, it returns false if it was already there.
func (s *State) MarkComplete(scope, id string) bool {
	if s.IsComplete(scope, id) {
		return false
	}
	set, ok := s.index[scope]
	if !ok {
		set = map[string]struct{}{}
		s.index[scope] = set
	}
	set[id] = struct{}{}
	s.Completed[scope] = append(s.Completed[scope], id)
	return true
}

// Load reads a checkpoint from path, a missing file yields a fresh state.
func Load(path string, clock chrono.API) (*State, error) {
	var s State
	err := fsutil.ReadJSON(path, &s)
	if errors.Is(err, os.ErrNotExist) {
		return New(clock), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	s.init()
	return &s, nil
}

func Save(path string, s *State) error {
	err := fsutil.WriteJSON(path, s)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
