package dialog

import (
	"strings"
	"time"
)

// SessionConfig controls conversation timing and playback escalation. Zero
// values are replaced by the defaults below.
type SessionConfig struct {
	// Language is the BCP 47 tag sent with every utterance.
	Language string `json:"language"`

	// AgentLabel identifies the assistant persona to the service.
	AgentLabel string `json:"agent_label,omitempty"`

	// StartTimeout bounds the time from Start to an open channel.
	StartTimeout time.Duration `json:"start_timeout"`

	// ProcessingTimeout bounds the time from utterance sent to reply.
	ProcessingTimeout time.Duration `json:"processing_timeout"`

	// PendingMaxAge is how long an unanswered utterance stays eligible for a
	// resend after reconnect.
	PendingMaxAge time.Duration `json:"pending_max_age"`

	// PlaybackLoadTimeout is how long the player waits for the first audio
	// byte before logging a slow source. Playback is still attempted.
	PlaybackLoadTimeout time.Duration `json:"playback_load_timeout"`

	// PlaybackMaxDuration is the hard ceiling on a single reply's playback.
	PlaybackMaxDuration time.Duration `json:"playback_max_duration"`

	// MaxPlaybackFailures is the consecutive failure count that escalates to
	// the error phase. Any successful playback resets the count.
	MaxPlaybackFailures int `json:"max_playback_failures"`

	// EventBuffer is the subscriber channel capacity. Events are dropped,
	// not blocked on, when the subscriber falls behind.
	EventBuffer int `json:"event_buffer"`

	// SoftDecline reports whether a service error message is a content
	// decline rather than a failure. Nil uses DefaultSoftDecline.
	SoftDecline func(message string) bool `json:"-"`

	// Format is the capture PCM format.
	Format AudioFormat `json:"format"`

	// Detector tunes the energy-based boundary detector.
	Detector DetectorConfig `json:"detector"`
}

// DefaultSessionConfig returns the standard conversation tuning.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Language:            "en-US",
		StartTimeout:        10 * time.Second,
		ProcessingTimeout:   60 * time.Second,
		PendingMaxAge:       5 * time.Minute,
		PlaybackLoadTimeout: 5 * time.Second,
		PlaybackMaxDuration: 30 * time.Second,
		MaxPlaybackFailures: 3,
		EventBuffer:         100,
		Format:              DefaultAudioFormat(),
		Detector:            DefaultDetectorConfig(),
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = d.PendingMaxAge
	}
	if c.PlaybackLoadTimeout <= 0 {
		c.PlaybackLoadTimeout = d.PlaybackLoadTimeout
	}
	if c.PlaybackMaxDuration <= 0 {
		c.PlaybackMaxDuration = d.PlaybackMaxDuration
	}
	if c.MaxPlaybackFailures <= 0 {
		c.MaxPlaybackFailures = d.MaxPlaybackFailures
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.SoftDecline == nil {
		c.SoftDecline = DefaultSoftDecline
	}
	if c.Format.SampleRate == 0 {
		c.Format = d.Format
	}
	c.Detector = c.Detector.withDefaults()
	return c
}

// softDeclineMarkers are the service's phrasing for turns it will not answer.
var softDeclineMarkers = []string{
	"declined",
	"cannot answer",
	"can't answer",
	"not able to answer",
	"flagged",
	"unsupported topic",
}

// DefaultSoftDecline classifies a service error message as a content decline
// when it matches known decline phrasing.
func DefaultSoftDecline(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range softDeclineMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
