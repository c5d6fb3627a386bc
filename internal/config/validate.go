package config

import (
	"fmt"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validTransports = map[string]bool{"udp": true, "tcp": true}

// ValidationResult separates fatal misconfigurations (block startup) from
// warnings (logged, then the offending field is clamped to a safe default).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// ValidateTiered checks the config for invalid values. Structural problems
// that would prevent the server from binding or from ever releasing media
// are fatal; everything else is clamped to a safe value and reported as a
// warning so the server can still start.
func (c *Config) ValidateTiered() ValidationResult {
	var res ValidationResult

	if c.ListenAddr == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("listen_addr must not be empty"))
	} else if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		res.Fatals = append(res.Fatals, fmt.Errorf("listen_addr %q is invalid: %w", c.ListenAddr, err))
	}

	if !validTransports[strings.ToLower(c.Transport)] {
		res.Fatals = append(res.Fatals, fmt.Errorf("transport %q must be \"udp\" or \"tcp\"", c.Transport))
	}

	if c.MaxSessions < 1 {
		res.Warnings = append(res.Warnings, fmt.Errorf("max_sessions %d is below minimum 1, clamping", c.MaxSessions))
		c.MaxSessions = 1
	}

	if c.IdleTimeoutS < 1 {
		res.Warnings = append(res.Warnings, fmt.Errorf("idle_timeout_seconds %d is below minimum 1, clamping", c.IdleTimeoutS))
		c.IdleTimeoutS = 1
	}

	if c.VideoMinBitrate <= 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("video_min_bitrate must be positive, clamping to 500000"))
		c.VideoMinBitrate = 500_000
	}
	if c.VideoMaxBitrate < c.VideoMinBitrate {
		res.Warnings = append(res.Warnings, fmt.Errorf("video_max_bitrate %d below video_min_bitrate %d, clamping", c.VideoMaxBitrate, c.VideoMinBitrate))
		c.VideoMaxBitrate = c.VideoMinBitrate * 4
	}
	if c.VideoMinFramerate <= 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("video_min_framerate must be positive, clamping to 5"))
		c.VideoMinFramerate = 5
	}
	if c.VideoMaxFramerate < c.VideoMinFramerate {
		res.Warnings = append(res.Warnings, fmt.Errorf("video_max_framerate below video_min_framerate, clamping"))
		c.VideoMaxFramerate = c.VideoMinFramerate
	}

	if c.AudioSampleRate <= 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("audio_sample_rate must be positive, clamping to 48000"))
		c.AudioSampleRate = 48000
	}
	if c.AudioChannels < 1 || c.AudioChannels > 8 {
		res.Warnings = append(res.Warnings, fmt.Errorf("audio_channels %d out of range [1,8], clamping to 2", c.AudioChannels))
		c.AudioChannels = 2
	}

	if c.QoSThresholdIDR < 1 {
		res.Warnings = append(res.Warnings, fmt.Errorf("qos_threshold_idr must be >= 1, clamping"))
		c.QoSThresholdIDR = 1
	}
	if c.QoSPanicThresholdIDR <= c.QoSThresholdIDR {
		res.Warnings = append(res.Warnings, fmt.Errorf("qos_panic_threshold_idr must exceed qos_threshold_idr, clamping"))
		c.QoSPanicThresholdIDR = c.QoSThresholdIDR + 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), clamping to info", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), clamping to text", c.LogFormat))
		c.LogFormat = "text"
	}

	return res
}
