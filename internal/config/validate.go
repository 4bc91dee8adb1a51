package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validSinkTypes = map[string]bool{
	"http":   true,
	"s3":     true,
	"azblob": true,
	"gcs":    true,
	"b2":     true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits config problems into Fatals (block startup) and
// Warnings (logged, auto-corrected, startup continues).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors concatenates fatals and warnings for display.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks c for invalid values, clamping and warning on
// anything auto-correctable and reserving Fatals for values that would
// leave the capture core unable to start at all.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.APIURL == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("api_url is required"))
	} else if u, err := url.Parse(c.APIURL); err != nil {
		result.Fatals = append(result.Fatals, fmt.Errorf("api_url %q is not a valid URL: %w", c.APIURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		result.Fatals = append(result.Fatals, fmt.Errorf("api_url scheme must be http or https, got %q", u.Scheme))
	}

	if c.PublicKey == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("public_key is required"))
	} else {
		for _, r := range c.PublicKey {
			if unicode.IsControl(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("public_key contains control characters"))
				break
			}
		}
	}

	if c.DataDir == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("data_dir is required"))
	}

	if c.SinkType != "" && !validSinkTypes[strings.ToLower(c.SinkType)] {
		result.Fatals = append(result.Fatals, fmt.Errorf("sink_type %q is not one of http, s3, azblob, gcs, b2", c.SinkType))
	}
	if strings.ToLower(c.SinkType) != "http" && c.SinkBucket == "" && c.SinkContainer == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("sink_type %q requires sink_bucket or sink_container", c.SinkType))
	}

	// Clamp timing knobs to safe ranges rather than fail startup over them.
	if c.BackgroundTimeoutSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("background_timeout_seconds %d is below minimum 5, clamping", c.BackgroundTimeoutSeconds))
		c.BackgroundTimeoutSeconds = 5
	} else if c.BackgroundTimeoutSeconds > 3600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("background_timeout_seconds %d exceeds maximum 3600, clamping", c.BackgroundTimeoutSeconds))
		c.BackgroundTimeoutSeconds = 3600
	}

	if c.MaxSegmentSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_segment_seconds %d is below minimum 1, clamping", c.MaxSegmentSeconds))
		c.MaxSegmentSeconds = 1
	} else if c.MaxSegmentSeconds > 60 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_segment_seconds %d exceeds maximum 60, clamping", c.MaxSegmentSeconds))
		c.MaxSegmentSeconds = 60
	}

	if c.MaxSegmentFrames < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_segment_frames %d is below minimum 1, clamping", c.MaxSegmentFrames))
		c.MaxSegmentFrames = 1
	} else if c.MaxSegmentFrames > 600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_segment_frames %d exceeds maximum 600, clamping", c.MaxSegmentFrames))
		c.MaxSegmentFrames = 600
	}

	if c.MaxFramesInMemory < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_frames_in_memory %d is below minimum 1, clamping", c.MaxFramesInMemory))
		c.MaxFramesInMemory = 1
	} else if c.MaxFramesInMemory > 500 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_frames_in_memory %d exceeds maximum 500, clamping", c.MaxFramesInMemory))
		c.MaxFramesInMemory = 500
	}

	if c.ScanMinIntervalMs < 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("scan_min_interval_ms %d is below minimum 100, clamping", c.ScanMinIntervalMs))
		c.ScanMinIntervalMs = 100
	} else if c.ScanMinIntervalMs > 10000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("scan_min_interval_ms %d exceeds maximum 10000, clamping", c.ScanMinIntervalMs))
		c.ScanMinIntervalMs = 10000
	}

	if c.MaxUploadRetries < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_upload_retries %d is negative, clamping to 0", c.MaxUploadRetries))
		c.MaxUploadRetries = 0
	} else if c.MaxUploadRetries > 20 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_upload_retries %d exceeds maximum 20, clamping", c.MaxUploadRetries))
		c.MaxUploadRetries = 20
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return result
}
