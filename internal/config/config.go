package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/rejourneyco/replaycore/internal/logging"
)

var log = logging.L("config")

// Config is the Harness CLI's on-disk configuration, covering both the
// ambient stack (logging, data directory) and the capture core's domain
// knobs (segment/encoder thresholds, background timeout, upload sink
// selection).
type Config struct {
	APIURL    string `mapstructure:"api_url"`
	PublicKey string `mapstructure:"public_key"`
	UserTag   string `mapstructure:"user_tag"`
	DataDir   string `mapstructure:"data_dir"`

	BackgroundTimeoutSeconds int `mapstructure:"background_timeout_seconds"`
	MaxSegmentSeconds        int `mapstructure:"max_segment_seconds"`
	MaxSegmentFrames         int `mapstructure:"max_segment_frames"`
	MaxFramesInMemory        int `mapstructure:"max_frames_in_memory"`
	ScanMinIntervalMs        int `mapstructure:"scan_min_interval_ms"`
	MaxUploadRetries         int `mapstructure:"max_upload_retries"`

	SinkType        string `mapstructure:"sink_type"` // "http", "s3", "azblob", "gcs", "b2"
	SinkBucket      string `mapstructure:"sink_bucket"`
	SinkRegion      string `mapstructure:"sink_region"`
	SinkContainer   string `mapstructure:"sink_container"` // azblob
	SinkAccountName string `mapstructure:"sink_account_name"`
	SinkKeyID       string `mapstructure:"sink_key_id"`      // b2
	SinkAppKey      string `mapstructure:"sink_app_key"`     // b2
	SinkCredsFile   string `mapstructure:"sink_creds_file"`  // gcs

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the documented out-of-the-box defaults.
func Default() *Config {
	return &Config{
		DataDir:                  GetDataDir(),
		BackgroundTimeoutSeconds: 60,
		MaxSegmentSeconds:        10,
		MaxSegmentFrames:         60,
		MaxFramesInMemory:        20,
		ScanMinIntervalMs:        1000,
		MaxUploadRetries:         5,
		SinkType:                 "http",
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Load reads a Harness config from cfgFile (or the platform default
// locations, or REPLAYCORE_* environment overrides), validates it, and
// applies its defaults.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("replaycore")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("REPLAYCORE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the platform default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("api_url", cfg.APIURL)
	viper.Set("public_key", cfg.PublicKey)
	viper.Set("user_tag", cfg.UserTag)
	viper.Set("data_dir", cfg.DataDir)
	viper.Set("background_timeout_seconds", cfg.BackgroundTimeoutSeconds)
	viper.Set("max_segment_seconds", cfg.MaxSegmentSeconds)
	viper.Set("max_segment_frames", cfg.MaxSegmentFrames)
	viper.Set("max_frames_in_memory", cfg.MaxFramesInMemory)
	viper.Set("scan_min_interval_ms", cfg.ScanMinIntervalMs)
	viper.Set("max_upload_retries", cfg.MaxUploadRetries)
	viper.Set("sink_type", cfg.SinkType)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "replaycore.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// The public key and any sink credentials live in this file.
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for pending
// session data.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ReplayCore", "data")
	case "darwin":
		return "/Library/Application Support/ReplayCore/data"
	default:
		return "/var/lib/replaycore"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ReplayCore")
	case "darwin":
		return "/Library/Application Support/ReplayCore"
	default:
		return "/etc/replaycore"
	}
}
