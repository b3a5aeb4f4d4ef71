package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is a fully built ffmpeg invocation.
type Command struct {
	Binary string
	Args   []string
}

// String renders the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder builds ffmpeg command lines with a fluent API.
type CommandBuilder struct {
	binary     string
	logLevel   string
	globalArgs []string
	inputs     [][]string
	filters    []string
	outputArgs []string
	output     string
}

// NewCommandBuilder creates a builder for the binary at ffmpegPath.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Stats enables periodic progress lines on stderr.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats", "-stats_period", "1")
	return b
}

// InitHWDevice initialises the device used by the hardware encoder.
func (b *CommandBuilder) InitHWDevice(accel HWAccel, device string) *CommandBuilder {
	dt := accel.deviceType()
	if dt == "" {
		return b
	}
	if device == "" {
		device = accel.defaultDevice()
	}
	spec := dt + "=hw"
	if device != "" {
		spec += ":" + device
	}
	b.globalArgs = append(b.globalArgs, "-init_hw_device", spec, "-filter_hw_device", "hw")
	return b
}

// RawVideoInput reads packed frames of the given size and pixel format from stdin.
func (b *CommandBuilder) RawVideoInput(width, height, fps int, pixFmt string) *CommandBuilder {
	b.inputs = append(b.inputs, []string{
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
		"-i", "pipe:0",
	})
	return b
}

// SilentAudioInput adds a generated silent stereo track.
func (b *CommandBuilder) SilentAudioInput(sampleRate int) *CommandBuilder {
	b.inputs = append(b.inputs, []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", sampleRate),
	})
	return b
}

// VideoFilter appends a filter to the video filter chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// VideoCodec sets the video encoder.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoBitrate sets a constant target bitrate with a two second buffer.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	if bitrate == "" {
		return b
	}
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate, "-maxrate", bitrate)
	if kbps, ok := parseKbps(bitrate); ok {
		b.outputArgs = append(b.outputArgs, "-bufsize", fmt.Sprintf("%dk", kbps*2))
	}
	return b
}

// VideoPreset sets the encoder preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// KeyframeInterval forces a keyframe every n frames.
func (b *CommandBuilder) KeyframeInterval(n int) *CommandBuilder {
	if n > 0 {
		b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(n), "-keyint_min", strconv.Itoa(n))
	}
	return b
}

// PixelFormat sets the output pixel format.
func (b *CommandBuilder) PixelFormat(pixFmt string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-pix_fmt", pixFmt)
	return b
}

// AudioCodec sets the audio encoder and bitrate.
func (b *CommandBuilder) AudioCodec(codec, bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	if bitrate != "" {
		b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// FLVOutput writes an FLV stream to stdout.
func (b *CommandBuilder) FLVOutput() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flvflags", "no_duration_filesize", "-f", "flv")
	b.output = "pipe:1"
	return b
}

// Build assembles the command.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	for _, in := range b.inputs {
		args = append(args, in...)
	}
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return &Command{Binary: b.binary, Args: args}
}

// EncodeOptions describes a raw frames to FLV encode.
type EncodeOptions struct {
	Width            int
	Height           int
	FPS              int
	InputPixFmt      string
	Codec            string
	Bitrate          string
	Preset           string
	KeyframeInterval int
	HWAccel          HWAccel
	HWDevice         string
	Audio            bool
	AudioBitrate     string
}

// BuildEncodeCommand returns the command that encodes raw frames from stdin
// into FLV on stdout.
func BuildEncodeCommand(binary string, o EncodeOptions) *Command {
	b := NewCommandBuilder(binary).
		LogLevel("info").
		HideBanner().
		Stats().
		InitHWDevice(o.HWAccel, o.HWDevice).
		RawVideoInput(o.Width, o.Height, o.FPS, o.InputPixFmt)

	if o.Audio {
		b.SilentAudioInput(44100)
	}

	b.VideoFilter(o.HWAccel.uploadFilter()).
		VideoCodec(EncoderName(o.Codec, o.HWAccel)).
		VideoBitrate(o.Bitrate)

	// VAAPI and VideoToolbox encoders reject -preset.
	if o.HWAccel != HWAccelVAAPI && o.HWAccel != HWAccelVideoToolbox {
		b.VideoPreset(o.Preset)
	}
	if o.HWAccel.uploadFilter() == "" {
		b.PixelFormat("yuv420p")
	}
	b.KeyframeInterval(o.KeyframeInterval)

	if o.Audio {
		b.AudioCodec("aac", o.AudioBitrate).OutputArgs("-shortest")
	}
	return b.FLVOutput().Build()
}

// parseKbps reads bitrates such as "4500k", "6M" or "2500000".
func parseKbps(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1.0 / 1000
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1000, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int(v * mult), true
}
