package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/relaystream/server/internal/logging"
)

var log = logging.L("config")

// Config holds all server-wide settings: listen address, session limits,
// QoS thresholds, codec defaults, and ambient logging settings. Values come
// from built-in defaults, a YAML file, and environment variables (STREAMSRV_
// prefix), read through viper; the command line only selects the file
// (--config).
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	Transport    string `mapstructure:"transport"` // "udp" or "tcp"
	MaxSessions  int    `mapstructure:"max_sessions"`
	IdleTimeoutS int    `mapstructure:"idle_timeout_seconds"`

	// Encryption: if Passphrase is non-empty, every outbound message is
	// AES-encrypted after its opcode byte (the opcode travels in the clear)
	// using a key derived from it.
	Passphrase string `mapstructure:"passphrase"`

	// Video defaults.
	VideoCodec       string  `mapstructure:"video_codec"`
	VideoWidth       int     `mapstructure:"video_width"`
	VideoHeight      int     `mapstructure:"video_height"`
	VideoMinBitrate  int64   `mapstructure:"video_min_bitrate"`
	VideoMaxBitrate  int64   `mapstructure:"video_max_bitrate"`
	VideoMinFramerate float64 `mapstructure:"video_min_framerate"`
	VideoMaxFramerate float64 `mapstructure:"video_max_framerate"`
	PreserveAspect   bool    `mapstructure:"preserve_aspect_ratio"`

	// Audio defaults.
	AudioCodec      string `mapstructure:"audio_codec"`
	AudioSampleRate int    `mapstructure:"audio_sample_rate"`
	AudioChannels   int    `mapstructure:"audio_channels"`

	// QoS tuning (see internal/qos.Params for semantics).
	QoSTimeBeforePanicMs     int   `mapstructure:"qos_time_before_panic_ms"`
	QoSThresholdIDR          int64 `mapstructure:"qos_threshold_idr"`
	QoSPanicThresholdIDR     int64 `mapstructure:"qos_panic_threshold_idr"`
	QoSMaxEncoderQueueDepth  int64 `mapstructure:"qos_max_encoder_queue_depth"`
	QoSMaxDecoderQueueDepth  int64 `mapstructure:"qos_max_decoder_queue_depth"`
	QoSFramerateStep         float64 `mapstructure:"qos_framerate_step"`
	QoSFramerateAdjustPeriodMs int `mapstructure:"qos_framerate_adjust_period_ms"`
	QoSBitrateStep           int64 `mapstructure:"qos_bitrate_step"`
	QoSBitrateAdjustPeriodMs int   `mapstructure:"qos_bitrate_adjust_period_ms"`

	// Logging configuration.
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   ":7714",
		Transport:    "udp",
		MaxSessions:  32,
		IdleTimeoutS: 15,

		VideoCodec:        "h264",
		VideoWidth:        1920,
		VideoHeight:       1080,
		VideoMinBitrate:   1_000_000,
		VideoMaxBitrate:   20_000_000,
		VideoMinFramerate: 10,
		VideoMaxFramerate: 60,
		PreserveAspect:    true,

		AudioCodec:      "opus",
		AudioSampleRate: 48000,
		AudioChannels:   2,

		QoSTimeBeforePanicMs:       3000,
		QoSThresholdIDR:            3,
		QoSPanicThresholdIDR:       8,
		QoSMaxEncoderQueueDepth:    4,
		QoSMaxDecoderQueueDepth:    2,
		QoSFramerateStep:           5,
		QoSFramerateAdjustPeriodMs: 5000,
		QoSBitrateStep:             500_000,
		QoSBitrateAdjustPeriodMs:   10000,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("streamserver")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STREAMSRV")

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

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("listen_addr", cfg.ListenAddr)
	viper.Set("transport", cfg.Transport)
	viper.Set("max_sessions", cfg.MaxSessions)
	viper.Set("idle_timeout_seconds", cfg.IdleTimeoutS)
	viper.Set("video_codec", cfg.VideoCodec)
	viper.Set("video_width", cfg.VideoWidth)
	viper.Set("video_height", cfg.VideoHeight)
	viper.Set("audio_codec", cfg.AudioCodec)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		if dir := filepath.Dir(cfgPath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "streamserver.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (may contain passphrase).
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "StreamRelay")
	case "darwin":
		return "/Library/Application Support/StreamRelay"
	default:
		return "/etc/streamrelay"
	}
}
