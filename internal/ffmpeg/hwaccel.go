package ffmpeg

import (
	"fmt"
	"strings"
)

// HWAccel is a hardware encoding backend.
type HWAccel string

// Supported backends.
const (
	HWAccelNone         HWAccel = "none"
	HWAccelVAAPI        HWAccel = "vaapi"
	HWAccelNVENC        HWAccel = "nvenc"
	HWAccelQSV          HWAccel = "qsv"
	HWAccelVideoToolbox HWAccel = "videotoolbox"
)

// ParseHWAccel accepts a backend name. Empty means none.
func ParseHWAccel(s string) (HWAccel, error) {
	switch a := HWAccel(strings.ToLower(s)); a {
	case "":
		return HWAccelNone, nil
	case HWAccelNone, HWAccelVAAPI, HWAccelNVENC, HWAccelQSV, HWAccelVideoToolbox:
		return a, nil
	default:
		return "", fmt.Errorf("unknown hardware acceleration %q", s)
	}
}

// family strips encoder prefixes so that "libx264" and "h264" both map to h264.
func family(codec string) string {
	switch strings.ToLower(codec) {
	case "libx264", "h264", "avc":
		return "h264"
	case "libx265", "hevc", "h265":
		return "hevc"
	case "libaom-av1", "libsvtav1", "av1":
		return "av1"
	default:
		return ""
	}
}

// EncoderName returns the ffmpeg encoder for codec on backend. Software
// encoding, and codecs the backend has no encoder for, return codec unchanged.
func EncoderName(codec string, accel HWAccel) string {
	fam := family(codec)
	if accel == HWAccelNone || accel == "" || fam == "" {
		return codec
	}
	if accel == HWAccelVideoToolbox && fam == "av1" {
		return codec
	}
	return fam + "_" + string(accel)
}

// deviceType is the name ffmpeg uses for -init_hw_device.
func (a HWAccel) deviceType() string {
	switch a {
	case HWAccelNVENC:
		return "cuda"
	case HWAccelNone, "":
		return ""
	default:
		return string(a)
	}
}

// uploadFilter moves software frames to the device before encoding.
func (a HWAccel) uploadFilter() string {
	switch a {
	case HWAccelVAAPI:
		return "format=nv12,hwupload"
	case HWAccelQSV:
		return "format=nv12,hwupload=extra_hw_frames=64"
	default:
		return ""
	}
}

// defaultDevice returns the conventional device path for a backend.
func (a HWAccel) defaultDevice() string {
	if a == HWAccelVAAPI {
		return "/dev/dri/renderD128"
	}
	return ""
}
