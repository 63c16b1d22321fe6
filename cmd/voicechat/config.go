package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/voicechat/pkg/core/dialog"
	"github.com/vango-go/voicechat/pkg/core/transport"
)

// fileConfig is the optional YAML configuration. Anything left zero falls
// back to the library defaults; flags override the file.
type fileConfig struct {
	Server struct {
		WSURL                string        `yaml:"ws_url"`
		ExchangeURL          string        `yaml:"exchange_url"`
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		ReconnectBase        time.Duration `yaml:"reconnect_base"`
		ReconnectCeiling     time.Duration `yaml:"reconnect_ceiling"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"server"`

	Session struct {
		Language            string        `yaml:"language"`
		AgentLabel          string        `yaml:"agent_label"`
		StartTimeout        time.Duration `yaml:"start_timeout"`
		ProcessingTimeout   time.Duration `yaml:"processing_timeout"`
		PendingMaxAge       time.Duration `yaml:"pending_max_age"`
		PlaybackLoadTimeout time.Duration `yaml:"playback_load_timeout"`
		PlaybackMaxDuration time.Duration `yaml:"playback_max_duration"`
		MaxPlaybackFailures int           `yaml:"max_playback_failures"`
	} `yaml:"session"`

	Audio struct {
		FFplayPath      string  `yaml:"ffplay_path"`
		FFplayVolume    int     `yaml:"ffplay_volume"`
		FrameMs         int     `yaml:"frame_ms"`
		EnergyThreshold float64 `yaml:"energy_threshold"`
		HangoverMs      int     `yaml:"hangover_ms"`
		MinSpeechMs     int     `yaml:"min_speech_ms"`
		PrefixMs        int     `yaml:"prefix_ms"`
	} `yaml:"audio"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) transportConfig(url string) transport.Config {
	tcfg := transport.DefaultConfig(url)
	if c.Server.HandshakeTimeout > 0 {
		tcfg.HandshakeTimeout = c.Server.HandshakeTimeout
	}
	if c.Server.HeartbeatInterval > 0 {
		tcfg.HeartbeatInterval = c.Server.HeartbeatInterval
	}
	if c.Server.HeartbeatTimeout > 0 {
		tcfg.HeartbeatTimeout = c.Server.HeartbeatTimeout
	}
	if c.Server.ReconnectBase > 0 {
		tcfg.ReconnectBase = c.Server.ReconnectBase
	}
	if c.Server.ReconnectCeiling > 0 {
		tcfg.ReconnectCeiling = c.Server.ReconnectCeiling
	}
	if c.Server.MaxReconnectAttempts > 0 {
		tcfg.MaxReconnectAttempts = c.Server.MaxReconnectAttempts
	}
	return tcfg
}

func (c fileConfig) sessionConfig(language string) dialog.SessionConfig {
	scfg := dialog.DefaultSessionConfig()
	if language != "" {
		scfg.Language = language
	} else if c.Session.Language != "" {
		scfg.Language = c.Session.Language
	}
	scfg.AgentLabel = c.Session.AgentLabel
	if c.Session.StartTimeout > 0 {
		scfg.StartTimeout = c.Session.StartTimeout
	}
	if c.Session.ProcessingTimeout > 0 {
		scfg.ProcessingTimeout = c.Session.ProcessingTimeout
	}
	if c.Session.PendingMaxAge > 0 {
		scfg.PendingMaxAge = c.Session.PendingMaxAge
	}
	if c.Session.PlaybackLoadTimeout > 0 {
		scfg.PlaybackLoadTimeout = c.Session.PlaybackLoadTimeout
	}
	if c.Session.PlaybackMaxDuration > 0 {
		scfg.PlaybackMaxDuration = c.Session.PlaybackMaxDuration
	}
	if c.Session.MaxPlaybackFailures > 0 {
		scfg.MaxPlaybackFailures = c.Session.MaxPlaybackFailures
	}
	if c.Audio.EnergyThreshold > 0 {
		scfg.Detector.EnergyThreshold = c.Audio.EnergyThreshold
	}
	if c.Audio.HangoverMs > 0 {
		scfg.Detector.HangoverMs = c.Audio.HangoverMs
	}
	if c.Audio.MinSpeechMs > 0 {
		scfg.Detector.MinSpeechMs = c.Audio.MinSpeechMs
	}
	if c.Audio.PrefixMs > 0 {
		scfg.Detector.PrefixMs = c.Audio.PrefixMs
	}
	return scfg
}
