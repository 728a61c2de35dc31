package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PollInterval is how often WaitForCompletion checks the file counters
const PollInterval = 100 * time.Millisecond

// Part is one series of counters (files or bytes). All methods are safe for
// concurrent use without external locking.
type Part struct {
	// resetMu keeps Counts from observing a half-finished Reset
	resetMu sync.RWMutex

	total   atomic.Uint64
	success atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// IncTotal adds n queued units
func (p *Part) IncTotal(n uint64) { p.total.Add(n) }

// IncSuccess adds n successfully completed units
func (p *Part) IncSuccess(n uint64) { p.success.Add(n) }

// IncSkipped adds n skipped units
func (p *Part) IncSkipped(n uint64) { p.skipped.Add(n) }

// IncFailed adds n failed units
func (p *Part) IncFailed(n uint64) { p.failed.Add(n) }

func (p *Part) Total() uint64   { return p.total.Load() }
func (p *Part) Success() uint64 { return p.success.Load() }
func (p *Part) Skipped() uint64 { return p.skipped.Load() }
func (p *Part) Failed() uint64  { return p.failed.Load() }

// Counts returns a consistent-enough view of the four counters. Completions are
// loaded before the total: a completion is always preceded by its IncTotal, so
// success+skipped+failed <= total holds for the returned values.
func (p *Part) Counts() Counts {
	p.resetMu.RLock()
	defer p.resetMu.RUnlock()

	c := Counts{
		Success: p.success.Load(),
		Skipped: p.skipped.Load(),
		Failed:  p.failed.Load(),
	}
	c.Total = p.total.Load()
	return c
}

// Remaining returns total - success - skipped - failed
func (p *Part) Remaining() uint64 {
	return p.Counts().Remaining()
}

// Reset zeroes all counters. Only call it between phases, when no worker is
// completing units of the current series.
func (p *Part) Reset() {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()

	p.success.Store(0)
	p.skipped.Store(0)
	p.failed.Store(0)
	p.total.Store(0)
}

func (p *Part) String() string {
	c := p.Counts()
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed", c.Success, c.Skipped, c.Failed)
}

// Counts is a point-in-time copy of a Part
type Counts struct {
	Total   uint64
	Success uint64
	Skipped uint64
	Failed  uint64
}

// Done returns success + skipped + failed
func (c Counts) Done() uint64 {
	return c.Success + c.Skipped + c.Failed
}

// Remaining returns the units not yet completed
func (c Counts) Remaining() uint64 {
	if done := c.Done(); done < c.Total {
		return c.Total - done
	}
	return 0
}

// Progress aggregates file and byte counters with the current phase
type Progress struct {
	Files Part
	Bytes Part

	step       atomic.Uint32
	totalSteps atomic.Uint32
	totalBytes atomic.Uint64

	mu       sync.RWMutex
	stepName string
}

// New creates a progress tracker expecting totalSteps phases
func New(totalSteps uint32) *Progress {
	p := &Progress{}
	p.totalSteps.Store(totalSteps)
	return p
}

// NextStep resets both counter series and advances to the named phase
func (p *Progress) NextStep(name string) {
	p.mu.Lock()
	p.stepName = name
	p.mu.Unlock()

	p.Bytes.Reset()
	p.Files.Reset()

	p.step.Add(1)
}

// Step returns the current phase index (1-based) and name
func (p *Progress) Step() (uint32, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.step.Load(), p.stepName
}

// Prefix renders "[step/total] name"
func (p *Progress) Prefix() string {
	step, name := p.Step()
	return fmt.Sprintf("[%d/%d] %s", step, p.totalSteps.Load(), name)
}

// TotalBytes returns bytes completed across all finished waits
func (p *Progress) TotalBytes() uint64 {
	return p.totalBytes.Load()
}

// WaitForCompletion blocks until no queued file remains, polling every
// PollInterval. Completed bytes of the phase are added to TotalBytes.
func (p *Progress) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for p.Files.Remaining() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.totalBytes.Add(p.Bytes.Success())
	return nil
}

// Percent returns the file completion percentage of the current phase
func (p *Progress) Percent() float64 {
	c := p.Files.Counts()
	if c.Total == 0 {
		return 0
	}
	return float64(c.Done()) / float64(c.Total) * 100
}

// Status is a snapshot used by the display
type Status struct {
	Step       uint32
	TotalSteps uint32
	StepName   string
	Files      Counts
	Bytes      Counts
	TotalBytes uint64
	Percent    float64
}

// Snapshot returns the current status
func (p *Progress) Snapshot() Status {
	step, name := p.Step()
	return Status{
		Step:       step,
		TotalSteps: p.totalSteps.Load(),
		StepName:   name,
		Files:      p.Files.Counts(),
		Bytes:      p.Bytes.Counts(),
		TotalBytes: p.totalBytes.Load(),
		Percent:    p.Percent(),
	}
}
