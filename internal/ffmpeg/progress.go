package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Progress is one parsed ffmpeg stats line.
type Progress struct {
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
	BitrateKbps float64 `json:"bitrate_kbps"`
	Speed       float64 `json:"speed"`
	DupFrames   int64   `json:"dup_frames"`
	DropFrames  int64   `json:"drop_frames"`
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*([kmg]?)bits/s`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	dupRe     = regexp.MustCompile(`dup=\s*(\d+)`)
	dropRe    = regexp.MustCompile(`drop=\s*(\d+)`)
)

// ParseProgress parses a stats line such as
// "frame=  120 fps= 30 q=23.0 size=  1024kB time=00:00:04.00 bitrate=2097.2kbits/s speed=1.0x".
// It reports false for lines that are not stats lines.
func ParseProgress(line string) (Progress, bool) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	var p Progress
	p.Frame, _ = strconv.ParseInt(m[1], 10, 64)

	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		switch m[2] {
		case "":
			v /= 1000
		case "m":
			v *= 1000
		case "g":
			v *= 1000 * 1000
		}
		p.BitrateKbps = v
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := dupRe.FindStringSubmatch(line); m != nil {
		p.DupFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := dropRe.FindStringSubmatch(line); m != nil {
		p.DropFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return p, true
}

// SplitStderr is a bufio.SplitFunc that treats both \n and \r as line ends,
// since ffmpeg rewrites its stats line in place with carriage returns.
func SplitStderr(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, c := range data {
		if c == '\n' || c == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// StderrTail keeps the most recent lines of process output.
type StderrTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

// NewStderrTail keeps up to n lines.
func NewStderrTail(n int) *StderrTail {
	return &StderrTail{max: n, lines: make([]string, 0, n)}
}

// Add records a line, dropping the oldest when full. Blank lines are ignored.
func (t *StderrTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) >= t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}
	t.lines = append(t.lines, line)
}

// Lines returns a copy of the retained lines, oldest first.
func (t *StderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Reset drops every retained line.
func (t *StderrTail) Reset() {
	t.mu.Lock()
	t.lines = t.lines[:0]
	t.mu.Unlock()
}
