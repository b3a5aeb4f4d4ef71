package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Format is a packed pixel layout.
type Format string

// Supported pixel formats.
const (
	FormatRGBA  Format = "rgba"
	FormatBGRA  Format = "bgra"
	FormatRGB24 Format = "rgb24"
)

// ParseFormat returns the Format named by s. An empty string means rgba.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatRGBA, nil
	case FormatRGBA, FormatBGRA, FormatRGB24:
		return f, nil
	default:
		return "", fmt.Errorf("unknown pixel format %q", s)
	}
}

// Channels returns the number of bytes per pixel.
func (f Format) Channels() int {
	if f == FormatRGB24 {
		return 3
	}
	return 4
}

// PixFmt returns the ffmpeg pixel format name.
func (f Format) PixFmt() string {
	if f == FormatRGB24 {
		return "rgb24"
	}
	return string(f)
}

// Frame is a raw picture owned by exactly one pipeline stage at a time.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    Format
	Seq       uint64
	Timestamp time.Time

	buf     *Buffer
	release sync.Once
}

// NewFrame wraps an RGBA buffer that is not pool backed.
func NewFrame(data []byte, width, height int) *Frame {
	return &Frame{Data: data, Width: width, Height: height, Format: FormatRGBA, Timestamp: time.Now()}
}

// Channels returns the number of bytes per pixel of the frame.
func (f *Frame) Channels() int {
	return f.Format.Channels()
}

// Release returns a pooled frame buffer to its pool. The frame must not be
// used afterwards. Calling Release more than once is a no-op.
func (f *Frame) Release() {
	f.release.Do(func() {
		if f.buf != nil {
			f.buf.pool.put(f.buf)
			f.buf = nil
		}
		f.Data = nil
	})
}
