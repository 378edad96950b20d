package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// progressMeter prints periodic heartbeats to stderr. On a terminal it
// rewrites a single status line; when output is piped it emits one line per
// report so logs stay readable.
type progressMeter struct {
	w     io.Writer
	tty   bool
	start time.Time
	live  bool
}

func newProgressMeter() *progressMeter {
	return &progressMeter{
		w:     os.Stderr,
		tty:   term.IsTerminal(int(os.Stderr.Fd())),
		start: time.Now(),
	}
}

func (m *progressMeter) report(phase string, processed int, detail string) {
	elapsed := time.Since(m.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}
	line := fmt.Sprintf("[%s] processed=%d rate=%.1f/s %s", phase, processed, rate, detail)
	if m.tty {
		fmt.Fprintf(m.w, "\r\033[K%s", line)
		m.live = true
		return
	}
	fmt.Fprintln(m.w, line)
}

// finish terminates a live status line so following output starts clean.
func (m *progressMeter) finish() {
	if m.tty && m.live {
		fmt.Fprintln(m.w)
		m.live = false
	}
}
