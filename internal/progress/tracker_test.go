package progress

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPart_Remaining(t *testing.T) {
	var p Part
	p.IncTotal(10)
	p.IncSuccess(3)
	p.IncSkipped(2)
	p.IncFailed(1)

	assert.Equal(t, uint64(4), p.Remaining())
	assert.Equal(t, "3 succeeded, 2 skipped, 1 failed", p.String())

	p.Reset()
	assert.Equal(t, Counts{}, p.Counts())
}

func TestPart_CountsConsistentUnderConcurrency(t *testing.T) {
	var p Part
	const workers = 8
	const perWorker = 2000

	var stop atomic.Bool
	var violations atomic.Int64
	observerDone := make(chan struct{})

	go func() {
		defer close(observerDone)
		for !stop.Load() {
			c := p.Counts()
			if c.Done() > c.Total {
				violations.Add(1)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p.IncTotal(1)
				switch i % 3 {
				case 0:
					p.IncSuccess(1)
				case 1:
					p.IncSkipped(1)
				default:
					p.IncFailed(1)
				}
			}
		}(w)
	}

	wg.Wait()
	stop.Store(true)
	<-observerDone

	assert.Zero(t, violations.Load())
	c := p.Counts()
	assert.Equal(t, uint64(workers*perWorker), c.Total)
	assert.Equal(t, c.Total, c.Done())
	assert.Zero(t, p.Remaining())
}

func TestPart_ResetNeverExposesCompletionsAboveTotal(t *testing.T) {
	var p Part

	var stop atomic.Bool
	var violations atomic.Int64
	observerDone := make(chan struct{})

	go func() {
		defer close(observerDone)
		for !stop.Load() {
			c := p.Counts()
			if c.Done() > c.Total {
				violations.Add(1)
			}
		}
	}()

	for i := 0; i < 20000; i++ {
		p.IncTotal(5)
		p.IncSuccess(3)
		p.IncSkipped(2)
		p.Reset()
	}

	stop.Store(true)
	<-observerDone

	assert.Zero(t, violations.Load())
}

func TestProgress_NextStepResetsCounters(t *testing.T) {
	p := New(3)
	p.NextStep("Downloading metadata")
	p.Files.IncTotal(1)
	p.Bytes.IncSuccess(512)

	p.NextStep("Downloading extensions")

	step, name := p.Step()
	assert.Equal(t, uint32(2), step)
	assert.Equal(t, "Downloading extensions", name)
	assert.Equal(t, "[2/3] Downloading extensions", p.Prefix())
	assert.Zero(t, p.Files.Total())
	assert.Zero(t, p.Bytes.Success())
}

func TestProgress_WaitForCompletion(t *testing.T) {
	p := New(1)
	p.NextStep("work")
	p.Files.IncTotal(2)
	p.Bytes.IncSuccess(100)

	done := make(chan error, 1)
	go func() { done <- p.WaitForCompletion(context.Background()) }()

	p.Files.IncSuccess(1)
	select {
	case <-done:
		t.Fatal("returned before all files completed")
	case <-time.After(3 * PollInterval):
	}

	p.Files.IncSkipped(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("did not return after completion")
	}

	assert.Equal(t, uint64(100), p.TotalBytes())
}

func TestProgress_WaitForCompletion_Cancelled(t *testing.T) {
	p := New(1)
	p.Files.IncTotal(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.WaitForCompletion(ctx), context.Canceled)
}

func TestProgress_Percent(t *testing.T) {
	p := New(1)
	assert.Zero(t, p.Percent())

	p.Files.IncTotal(4)
	p.Files.IncSuccess(1)
	p.Files.IncSkipped(1)
	assert.InDelta(t, 50.0, p.Percent(), 0.001)
}

func TestDisplay_RenderAndStop(t *testing.T) {
	p := New(3)
	p.NextStep("Downloading extensions")
	p.Files.IncTotal(4)
	p.Files.IncSuccess(2)
	p.Bytes.IncSuccess(2048)

	var buf bytes.Buffer
	d := NewDisplay(p, &buf, time.Hour)

	line := d.Render(p.Snapshot())
	assert.True(t, strings.HasPrefix(line, "[2/3] Downloading extensions"))
	assert.Contains(t, line, "2/4")
	assert.Contains(t, line, "2.0 KiB")

	d.Start()
	d.Stop()
	d.Stop()
	assert.Contains(t, buf.String(), "2/4")
}

func TestProgressBar_Clamps(t *testing.T) {
	assert.Equal(t, "["+strings.Repeat("#", 10)+"]", progressBar(150, 10))
	assert.Equal(t, "["+strings.Repeat(" ", 10)+"]", progressBar(-5, 10))
}
