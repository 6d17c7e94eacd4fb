// Package config loads and validates the ikvmd configuration bundle.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// Frame format values, matching the V4L2 JPEG flavor the capture engine negotiates.
const (
	FormatStandardJPEG = 0
	FormatReserved     = 1
	FormatPartialJPEG  = 2
)

// Config is the full knob bundle for the daemon: capture device, HID relay,
// RFB server, asset paths, and the ambient logging/metrics surface.
type Config struct {
	// Capture Engine
	VideoPath    string `mapstructure:"video_path"`
	FrameRate    int    `mapstructure:"frame_rate"`
	Subsampling  int    `mapstructure:"subsampling"` // 420 or 444
	Format       int    `mapstructure:"format"`      // FormatStandardJPEG / FormatPartialJPEG
	CalcFrameCRC bool   `mapstructure:"calc_frame_crc"`

	// Input Relay
	KeyboardPath string `mapstructure:"keyboard_path"`
	PointerPath  string `mapstructure:"pointer_path"`
	UDCName      string `mapstructure:"udc_name"`

	// RFB Server Adapter
	RFBListenAddress   string `mapstructure:"rfb_listen_address"`
	ServerName         string `mapstructure:"server_name"`
	SessionTimeoutSecs int    `mapstructure:"session_timeout_seconds"`

	// Snapshot / fallback assets
	SnapshotDir       string `mapstructure:"snapshot_dir"`
	SnapshotFileName  string `mapstructure:"snapshot_file_name"`
	NoSignalImagePath string `mapstructure:"no_signal_image_path"`
	PowerOffImagePath string `mapstructure:"power_off_image_path"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Metrics
	MetricsEnabled       bool   `mapstructure:"metrics_enabled"`
	MetricsListenAddress string `mapstructure:"metrics_listen_address"`

	// Property bus
	BusServiceName string `mapstructure:"bus_service_name"`
}

// Default returns the built-in configuration. Every field here is a safe
// starting point for a single-board BMC with one capture device.
func Default() *Config {
	return &Config{
		VideoPath:    "/dev/video0",
		FrameRate:    30,
		Subsampling:  420,
		Format:       FormatStandardJPEG,
		CalcFrameCRC: true,

		KeyboardPath: "/dev/hidg0",
		PointerPath:  "/dev/hidg1",
		UDCName:      "1e6a0000.usb-vhub:p1",

		RFBListenAddress:   "127.0.0.1:5900",
		ServerName:         "ikvmd",
		SessionTimeoutSecs: 1800,

		SnapshotDir:       "/var/lib/ikvmd/snapshots",
		SnapshotFileName:  "screenshot.jpeg",
		NoSignalImagePath: "/usr/share/ikvmd/nosignal.jpeg",
		PowerOffImagePath: "/usr/share/ikvmd/poweroff.jpeg",

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		MetricsEnabled:       true,
		MetricsListenAddress: "127.0.0.1:9100",

		BusServiceName: "xyz.openbmc_project.Ikvm",
	}
}

// Load reads configuration from cfgFile (or the default search path) merged
// over Default() and IKVMD_-prefixed environment variables.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("ikvmd")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("IKVMD")
	// AutomaticEnv only covers keys viper already knows about, so bind every
	// key explicitly; Unmarshal then sees IKVMD_* values for keys the config
	// file leaves out as well.
	for _, key := range []string{
		"video_path", "frame_rate", "subsampling", "format", "calc_frame_crc",
		"keyboard_path", "pointer_path", "udc_name",
		"rfb_listen_address", "server_name", "session_timeout_seconds",
		"snapshot_dir", "snapshot_file_name", "no_signal_image_path", "power_off_image_path",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"metrics_enabled", "metrics_listen_address", "bus_service_name",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default config path if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("video_path", cfg.VideoPath)
	v.Set("frame_rate", cfg.FrameRate)
	v.Set("subsampling", cfg.Subsampling)
	v.Set("format", cfg.Format)
	v.Set("calc_frame_crc", cfg.CalcFrameCRC)
	v.Set("keyboard_path", cfg.KeyboardPath)
	v.Set("pointer_path", cfg.PointerPath)
	v.Set("udc_name", cfg.UDCName)
	v.Set("rfb_listen_address", cfg.RFBListenAddress)
	v.Set("server_name", cfg.ServerName)
	v.Set("session_timeout_seconds", cfg.SessionTimeoutSecs)
	v.Set("snapshot_dir", cfg.SnapshotDir)
	v.Set("snapshot_file_name", cfg.SnapshotFileName)
	v.Set("no_signal_image_path", cfg.NoSignalImagePath)
	v.Set("power_off_image_path", cfg.PowerOffImagePath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("metrics_enabled", cfg.MetricsEnabled)
	v.Set("metrics_listen_address", cfg.MetricsListenAddress)
	v.Set("bus_service_name", cfg.BusServiceName)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		if dir := filepath.Dir(cfgPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "ikvmd.yaml")
		if err := os.MkdirAll(configDir(), 0755); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0644)
}

// GetDataDir returns the directory ikvmd persists runtime state under.
func GetDataDir() string {
	return "/var/lib/ikvmd"
}

func configDir() string {
	return "/etc/ikvmd"
}
