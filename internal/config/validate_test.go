package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredEmptyVideoPathIsFatal(t *testing.T) {
	cfg := Default()
	cfg.VideoPath = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for empty video_path")
	}
}

func TestValidateTieredFrameRateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.FrameRate = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped frame_rate should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped frame_rate")
	}
	if cfg.FrameRate != 1 {
		t.Fatalf("FrameRate = %d, want clamped to 1", cfg.FrameRate)
	}
}

func TestValidateTieredHighFrameRateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.FrameRate = 9999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped frame_rate should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.FrameRate != 60 {
		t.Fatalf("FrameRate = %d, want clamped to 60", cfg.FrameRate)
	}
}

func TestValidateTieredUnknownSubsamplingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Subsampling = 422
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown subsampling should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "subsampling") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown subsampling")
	}
	if cfg.Subsampling != 420 {
		t.Fatalf("Subsampling = %d, want defaulted to 420", cfg.Subsampling)
	}
}

func TestValidateTieredUnknownFormatIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Format = 99
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for unrecognized frame format")
	}
}

func TestValidateTieredEmptyListenAddressIsFatal(t *testing.T) {
	cfg := Default()
	cfg.RFBListenAddress = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for empty rfb_listen_address")
	}
}

func TestValidateTieredNegativeSessionTimeoutIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SessionTimeoutSecs = -5
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("negative session timeout should not be fatal")
	}
	if cfg.SessionTimeoutSecs != 0 {
		t.Fatalf("SessionTimeoutSecs = %d, want clamped to 0", cfg.SessionTimeoutSecs)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want defaulted to info", cfg.LogLevel)
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want defaulted to text", cfg.LogFormat)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.RFBListenAddress = "" // fatal
	cfg.Subsampling = 422     // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestDefaultConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}
