package checkpoint

import (
	"sync"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/telemetry"
)

const report_accumulator_flush = "accumulator.flush"

type op struct {
	apply func(s *State) (mutated bool)
	reply chan struct{}
}

// Accumulator owns a State. Every read and write goes through its loop
// goroutine so concurrent workers never touch the state directly. Changes are
// written to disk every flushEvery and always on Close.
type Accumulator struct {
	path       string
	state      *State
	flushEvery time.Duration
	clock      chrono.API
	tel        telemetry.API

	ops       chan op
	closing   chan chan error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	dirty     bool
}

func NewAccumulator(path string, state *State, flushEvery time.Duration, clock chrono.API, tel telemetry.API) *Accumulator {
	assert.NotNil(state)
	assert.NotNil(clock)
	assert.NotNil(tel)
	assert.Positive("flush interval", flushEvery)

	return &Accumulator{
		path:       path,
		state:      state,
		flushEvery: flushEvery,
		clock:      clock,
		tel:        telemetry.NewScopedAPI("checkpoint", tel),
		ops:        make(chan op),
		closing:    make(chan chan error),
		done:       make(chan struct{}),
	}
}

// Start launches the owning goroutine, it runs until Close.
func (a *Accumulator) Start() {
	go a.loop()
}

func (a *Accumulator) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case o := <-a.ops:
			if o.apply(a.state) {
				a.dirty = true
			}
			close(o.reply)
		case <-ticker.C:
			if a.dirty {
				a.flush()
			}
		case reply := <-a.closing:
			reply <- a.flush()
			return
		}
	}
}

func (a *Accumulator) flush() error {
	a.state.UpdatedAt = a.clock.Now()
	err := Save(a.path, a.state)
	if err != nil {
		a.tel.ReportBroken(report_accumulator_flush, err, a.path)
		return err
	}
	a.dirty = false
	return nil
}

// do runs fn on the owning goroutine and waits for it, after Close it is a no-op.
func (a *Accumulator) do(fn func(s *State) bool) {
	reply := make(chan struct{})
	select {
	case a.ops <- op{apply: fn, reply: reply}:
		<-reply
	case <-a.done:
	}
}

func (a *Accumulator) SetCursor(resource string, page int) {
	a.do(func(s *State) bool {
		s.Cursors[resource] = page
		return true
	})
}

// SetPartial replaces the accumulated entities of an unfinished resource.
func (a *Accumulator) SetPartial(resource string, items []map[string]any) {
	copied := make([]map[string]any, len(items))
	copy(copied, items)
	a.do(func(s *State) bool {
		s.Partial[resource] = copied
		return true
	})
}

func (a *Accumulator) SetFailedPages(resource string, pages []int) {
	copied := append([]int(nil), pages...)
	a.do(func(s *State) bool {
		if len(copied) == 0 {
			_, had := s.FailedPages[resource]
			delete(s.FailedPages, resource)
			return had
		}
		s.FailedPages[resource] = copied
		return true
	})
}

func (a *Accumulator) FailedPages(resource string) []int {
	var out []int
	a.do(func(s *State) bool {
		out = append([]int(nil), s.FailedPages[resource]...)
		return false
	})
	return out
}

// ClearResource drops the cursor, partial results and skipped pages of a
// resource.
func (a *Accumulator) ClearResource(resource string) {
	a.do(func(s *State) bool {
		_, hadCursor := s.Cursors[resource]
		_, hadPartial := s.Partial[resource]
		_, hadFailed := s.FailedPages[resource]
		delete(s.Cursors, resource)
		delete(s.Partial, resource)
		delete(s.FailedPages, resource)
		return hadCursor || hadPartial || hadFailed
	})
}

func (a *Accumulator) MarkComplete(scope, id string) {
	a.do(func(s *State) bool {
		return s.MarkComplete(scope, id)
	})
}

func (a *Accumulator) SetStat(key string, value int64) {
	a.do(func(s *State) bool {
		if s.Stats[key] == value {
			return false
		}
		s.Stats[key] = value
		return true
	})
}

func (a *Accumulator) SetMeta(key, value string) {
	a.do(func(s *State) bool {
		if s.Meta[key] == value {
			return false
		}
		s.Meta[key] = value
		return true
	})
}

func (a *Accumulator) Meta(key string) string {
	var value string
	a.do(func(s *State) bool {
		value = s.Meta[key]
		return false
	})
	return value
}

func (a *Accumulator) Stat(key string) int64 {
	var value int64
	a.do(func(s *State) bool {
		value = s.Stats[key]
		return false
	})
	return value
}

func (a *Accumulator) Cursor(resource string) int {
	var page int
	a.do(func(s *State) bool {
		page = s.Cursors[resource]
		return false
	})
	return page
}

func (a *Accumulator) Partial(resource string) []map[string]any {
	var out []map[string]any
	a.do(func(s *State) bool {
		out = make([]map[string]any, len(s.Partial[resource]))
		copy(out, s.Partial[resource])
		return false
	})
	return out
}

func (a *Accumulator) IsComplete(scope, id string) bool {
	var ok bool
	a.do(func(s *State) bool {
		ok = s.IsComplete(scope, id)
		return false
	})
	return ok
}

func (a *Accumulator) CompletedCount(scope string) int {
	var n int
	a.do(func(s *State) bool {
		n = len(s.Completed[scope])
		return false
	})
	return n
}

func (a *Accumulator) RunID() string {
	var id string
	a.do(func(s *State) bool {
		id = s.RunID
		return false
	})
	return id
}

// Flush writes the state to disk now, regardless of whether it changed.
func (a *Accumulator) Flush() error {
	var err error
	a.do(func(*State) bool {
		err = a.flush()
		return false
	})
	return err
}

// Close performs a final flush and stops the owning goroutine. It is safe to
// call more than once.
func (a *Accumulator) Close() error {
	a.closeOnce.Do(func() {
		reply := make(chan error, 1)
		select {
		case a.closing <- reply:
			a.closeErr = <-reply
		case <-a.done:
		}
		<-a.done
	})
	return a.closeErr
}
