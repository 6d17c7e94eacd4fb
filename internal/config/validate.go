package config

import (
	"fmt"
	"strings"
)

// ValidationResult separates configuration problems that must block startup
// (Fatals) from ones that are logged and auto-clamped to a safe value (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// to log everything regardless of severity.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

var validSubsamplings = map[int]bool{420: true, 444: true}

var validFormats = map[int]bool{
	FormatStandardJPEG: true,
	FormatReserved:     true,
	FormatPartialJPEG:  true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// ValidateTiered checks cfg for invalid values. Structural problems that
// would leave the capture/RFB pipeline unable to start are fatal; everything
// else is clamped to a safe default and reported as a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.VideoPath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("video_path must not be empty"))
	}
	if c.KeyboardPath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("keyboard_path must not be empty"))
	}
	if c.PointerPath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("pointer_path must not be empty"))
	}

	if c.FrameRate < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_rate %d is below minimum 1, clamping", c.FrameRate))
		c.FrameRate = 1
	} else if c.FrameRate > 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_rate %d exceeds maximum 60, clamping", c.FrameRate))
		c.FrameRate = 60
	}

	if !validSubsamplings[c.Subsampling] {
		r.Warnings = append(r.Warnings, fmt.Errorf("subsampling %d is not one of {420,444}, defaulting to 420", c.Subsampling))
		c.Subsampling = 420
	}

	if !validFormats[c.Format] {
		r.Fatals = append(r.Fatals, fmt.Errorf("format %d is not a recognized frame format", c.Format))
	}

	if c.SessionTimeoutSecs < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_timeout_seconds %d is negative, clamping to 0", c.SessionTimeoutSecs))
		c.SessionTimeoutSecs = 0
	}

	if c.RFBListenAddress == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("rfb_listen_address must not be empty"))
	}

	if c.SnapshotDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("snapshot_dir must not be empty"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	return r
}
