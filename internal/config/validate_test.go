package config

import (
	"fmt"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.APIURL = "https://ingest.example.com"
	cfg.PublicKey = "pk_live_clean"
	cfg.DataDir = "/var/lib/replaycore"
	return cfg
}

func TestValidateTieredMissingAPIURLIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.APIURL = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing api_url should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.APIURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredMissingPublicKeyIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.PublicKey = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing public_key should be fatal")
	}
}

func TestValidateTieredControlCharsInPublicKeyIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.PublicKey = "pk\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in public_key should be fatal")
	}
}

func TestValidateTieredUnknownSinkTypeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.SinkType = "ftp"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown sink_type should be fatal")
	}
}

func TestValidateTieredObjectSinkWithoutBucketIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.SinkType = "s3"
	cfg.SinkBucket = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("s3 sink without a bucket should be fatal")
	}
}

func TestValidateTieredBackgroundTimeoutClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.BackgroundTimeoutSeconds = 1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped background_timeout_seconds should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for clamped background_timeout_seconds")
	}
	if cfg.BackgroundTimeoutSeconds != 5 {
		t.Fatalf("BackgroundTimeoutSeconds = %d, want 5 (clamped)", cfg.BackgroundTimeoutSeconds)
	}
}

func TestValidateTieredMaxSegmentFramesHighClamping(t *testing.T) {
	cfg := validConfig()
	cfg.MaxSegmentFrames = 9999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max_segment_frames should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.MaxSegmentFrames != 600 {
		t.Fatalf("MaxSegmentFrames = %d, want 600 (clamped)", cfg.MaxSegmentFrames)
	}
}

func TestValidateTieredMaxFramesInMemoryClamping(t *testing.T) {
	cfg := validConfig()
	cfg.MaxFramesInMemory = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max_frames_in_memory should be warning: %v", result.Fatals)
	}
	if cfg.MaxFramesInMemory != 1 {
		t.Fatalf("MaxFramesInMemory = %d, want 1", cfg.MaxFramesInMemory)
	}
}

func TestValidateTieredUploadRetriesClamping(t *testing.T) {
	cfg := validConfig()
	cfg.MaxUploadRetries = -1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max_upload_retries should be warning: %v", result.Fatals)
	}
	if cfg.MaxUploadRetries != 0 {
		t.Fatalf("MaxUploadRetries = %d, want 0", cfg.MaxUploadRetries)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "log_level") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
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
	cfg := validConfig()
	cfg.APIURL = "ftp://bad"  // fatal
	cfg.LogLevel = "verbose"  // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
