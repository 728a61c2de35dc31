package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

const barWidth = 40

// Display periodically renders a Progress to a terminal
type Display struct {
	progress *Progress
	out      io.Writer
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
	start    time.Time
}

// NewDisplay creates a new progress display
func NewDisplay(progress *Progress, out io.Writer, interval time.Duration) *Display {
	return &Display{
		progress: progress,
		out:      out,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	d.start = time.Now()
	go d.displayLoop()
}

// Stop renders a final line and stops the display loop
func (d *Display) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(d.out, "\r%s", d.Render(d.progress.Snapshot()))
		case <-d.stopCh:
			fmt.Fprintf(d.out, "\r%s\n", d.Render(d.progress.Snapshot()))
			return
		}
	}
}

// Render formats one status line
func (d *Display) Render(status Status) string {
	prefix := fmt.Sprintf("[%d/%d] %s", status.Step, status.TotalSteps, status.StepName)

	return fmt.Sprintf("%-26s %s %d/%d [%s] [%s]",
		prefix,
		progressBar(status.Percent, barWidth),
		status.Files.Done(), status.Files.Total,
		formatElapsed(time.Since(d.start)),
		humanize.IBytes(status.Bytes.Success),
	)
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(" ", width-filled) + "]"
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
