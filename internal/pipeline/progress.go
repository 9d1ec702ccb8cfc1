package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("printavo-archive/internal/pipeline")
var progressGauge, _ = meter.Int64Gauge("pipeline_progress_done")

// progress remembers the latest position of the running stage and prints it
// on a ticker.
type progress struct {
	out   io.Writer
	every time.Duration

	mu    sync.Mutex
	stage string
	label string
	done  int
	total int
	dirty bool
}

func newProgress(out io.Writer, every time.Duration) *progress {
	if every <= 0 {
		every = 10 * time.Second
	}
	return &progress{out: out, every: every}
}

func (p *progress) set(stage, label string, done, total int) {
	p.mu.Lock()
	p.stage, p.label, p.done, p.total = stage, label, done, total
	p.dirty = true
	p.mu.Unlock()

	progressGauge.Record(context.Background(), int64(done), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("label", label),
	))
}

func (p *progress) line() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return "", false
	}
	p.dirty = false

	stage := text.FgCyan.Sprintf("[%s]", p.stage)
	switch {
	case p.total > 0:
		pct := float64(p.done) / float64(p.total) * 100
		return fmt.Sprintf("%s %s %d/%d (%.1f%%)", stage, p.label, p.done, p.total, pct), true
	case p.done > 0:
		return fmt.Sprintf("%s %s %d", stage, p.label, p.done), true
	default:
		return fmt.Sprintf("%s %s", stage, p.label), true
	}
}

func (p *progress) print() {
	if l, ok := p.line(); ok {
		fmt.Fprintln(p.out, l)
	}
}

// run prints on every tick until ctx is done or the returned stop is called.
// stop may be called more than once.
func (p *progress) run(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.print()
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			p.print()
		})
	}
}
