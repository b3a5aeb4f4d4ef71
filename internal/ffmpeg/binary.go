// Package ffmpeg locates the ffmpeg binary and builds and supervises the
// encoder command line.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides the ffmpeg binary location.
const BinaryEnvVar = "VTCAST_FFMPEG_BINARY"

// ErrBinaryNotFound is returned when no usable ffmpeg binary exists.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// BinaryInfo describes an ffmpeg installation.
type BinaryInfo struct {
	Path         string   `json:"path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
	HWAccels     []string `json:"hw_accels,omitempty"`
}

// HasEncoder reports whether the encoder is compiled in.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasHWAccel reports whether ffmpeg lists the hardware acceleration method.
func (info *BinaryInfo) HasHWAccel(name string) bool {
	return slices.Contains(info.HWAccels, name)
}

// SupportsMinVersion reports whether the version is at least major.minor.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}

// BinaryDetector finds ffmpeg and caches what it learns about it.
type BinaryDetector struct {
	configured string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. A non-empty configured path takes
// precedence over the environment and $PATH.
func NewBinaryDetector(configured string) *BinaryDetector {
	return &BinaryDetector{
		configured: configured,
		cacheTTL:   5 * time.Minute,
	}
}

// Detect returns the binary info, probing ffmpeg when the cache is stale.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := FindBinary(d.configured)
	if err != nil {
		return nil, err
	}

	info := &BinaryInfo{Path: path}
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	if info.Version, info.MajorVersion, info.MinorVersion, err = parseVersion(string(out)); err != nil {
		return nil, err
	}

	// Capability listings are best effort.
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseEncoders(string(out))
	}
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-hwaccels").Output(); err == nil {
		info.HWAccels = parseHWAccels(string(out))
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// FindBinary resolves the ffmpeg binary: configured path, then
// $VTCAST_FFMPEG_BINARY, then $PATH.
func FindBinary(configured string) (string, error) {
	for _, candidate := range []string{configured, os.Getenv(BinaryEnvVar)} {
		if candidate == "" {
			continue
		}
		if isExecutable(candidate) {
			return candidate, nil
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}
	return "", ErrBinaryNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion reads the first line of `ffmpeg -version`, for example
// "ffmpeg version 6.1.1 Copyright ..." or "ffmpeg version n7.0-12-g...".
func parseVersion(output string) (string, int, int, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		full := parts[2]
		m := versionRe.FindStringSubmatch(full)
		if len(m) < 3 {
			return full, 0, 0, nil
		}
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		return full, major, minor, nil
	}
	return "", 0, 0, errors.New("failed to parse ffmpeg version")
}

// parseEncoders reads `ffmpeg -encoders`. Entries follow a dashed separator
// line and look like " V....D libx264   libx264 H.264 / AVC".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		line = strings.TrimLeft(line, " ")
		if !inList || len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}

func parseHWAccels(output string) []string {
	var accels []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "Hardware acceleration methods:" {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}
	return accels
}
