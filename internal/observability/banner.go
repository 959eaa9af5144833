package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}

// Terminal owns stdout while a live status line is shown. Log output must go
// through Writer so it never interleaves with a status redraw.
type Terminal struct {
	mu       sync.Mutex
	out      *os.File
	radarIdx int
}

func NewTerminal(out *os.File) *Terminal {
	return &Terminal{out: out}
}

// Interactive reports whether the status line should be drawn at all.
func (t *Terminal) Interactive() bool {
	return isatty.IsTerminal(t.out.Fd())
}

func (t *Terminal) width() int {
	w, _, err := term.GetSize(int(t.out.Fd()))
	if err != nil {
		return 80
	}
	return w
}

type termWriter struct {
	t   *Terminal
	out *os.File
}

func (tw *termWriter) Write(p []byte) (n int, err error) {
	tw.t.mu.Lock()
	defer tw.t.mu.Unlock()
	return tw.out.Write(p)
}

// Writer returns an io.Writer for log output that is serialised with the
// status line.
func (t *Terminal) Writer(out *os.File) io.Writer {
	return &termWriter{t: t, out: out}
}

// PrintBanner clears the screen and prints the name centred.
func (t *Terminal) PrintBanner(name, addr string) {
	banner := `
  ___ _                            _
 / __| |_ _____ __ ____ _ _ _ __| |
 \__ \  _/ -_) V  V / _' | '_/ _' |
 |___/\__\___|\_/\_/\__,_|_| \__,_|
`
	width := t.width()
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\033[2J\033[H")
	for _, l := range strings.Split(banner, "\n") {
		padding := max((width-len(l))/2, 0)
		fmt.Fprintf(t.out, "%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
	fmt.Fprintf(t.out, "%s%s listening on %s%s\n", strings.Repeat(" ", max((width-30)/2, 0)), name, addr, colorReset)
}

// Initialize reserves the top lines for the banner and status, scrolling
// logs below them.
func (t *Terminal) Initialize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\033[12;r")
	fmt.Fprint(t.out, "\033[12;1H")
}

func (t *Terminal) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\033[r\033[2J\033[H")
}

// FormatStatus renders s on one line no wider than width.
func FormatStatus(s Status, now time.Time, radar string, width int) string {
	pulseIcon, pulseText, pulseColor := "🔴", "OFFLINE", colorNeonMag
	delta := now.Sub(s.LastHeartbeat)
	if delta < 40*time.Second {
		pulseIcon, pulseText, pulseColor = "🟢", "HEALTHY", colorNeonCyan
	} else if delta < 90*time.Second {
		pulseIcon, pulseText, pulseColor = "🟡", "LAGGING", colorPurple
	}

	last := s.LastEvent
	if last == "" {
		last = "Waiting..."
	}
	if len(last) > 30 {
		last = last[:27] + "..."
	}

	line := fmt.Sprintf("[%s] %s%s %-7s%s | runs %d %s | first p95 %s | done p95 %s | %s | up %v",
		s.LastHeartbeat.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		s.ActiveRuns, radar,
		s.FirstStatusP95.Round(time.Millisecond),
		s.PlanCompleteP95.Round(time.Millisecond),
		last,
		now.Sub(s.Started).Round(time.Second),
	)
	// Colour codes take no columns on screen.
	if limit := width + len(pulseColor) + len(colorReset); width > 0 {
		if r := []rune(line); len(r) > limit {
			line = string(r[:limit]) + colorReset
		}
	}
	return line
}

// PrintLiveStatus redraws the status line in place.
func (t *Terminal) PrintLiveStatus(board *StatusBoard) {
	s := board.Snapshot()
	radar := " "
	if s.ActiveRuns > 0 {
		radar = radarFrames[t.radarIdx]
		t.radarIdx = (t.radarIdx + 1) % len(radarFrames)
	}
	line := FormatStatus(s, time.Now(), radar, t.width())

	t.mu.Lock()
	fmt.Fprintf(t.out, "\033[s\033[10;1H\033[K%s\033[u", line)
	t.mu.Unlock()
}
