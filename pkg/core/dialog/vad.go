package dialog

import (
	"sync"

	"go.uber.org/zap"
)

// BoundaryHandlers receive speech boundary decisions from a detector.
// OnSpeechEnd delivers the full utterance audio including the onset prefix;
// OnMisfire fires instead when the burst was too short to be speech.
type BoundaryHandlers struct {
	OnSpeechStart func()
	OnSpeechEnd   func(pcm []byte)
	OnMisfire     func()
}

// BoundaryDetector turns a microphone PCM stream into speech boundaries.
type BoundaryDetector interface {
	SetHandlers(h BoundaryHandlers)
	Feed(pcm []byte)
	Reset()
}

// DetectorConfig tunes the energy detector.
type DetectorConfig struct {
	// EnergyThreshold is the normalized RMS level that counts as speech.
	EnergyThreshold float64 `json:"energy_threshold"`
	// HangoverMs is the trailing silence that ends an utterance.
	HangoverMs int `json:"hangover_ms"`
	// MinSpeechMs is the shortest burst treated as speech; shorter bursts
	// are reported as misfires.
	MinSpeechMs int `json:"min_speech_ms"`
	// PrefixMs is how much audio before the onset is prepended to the
	// utterance.
	PrefixMs int `json:"prefix_ms"`
}

// DefaultDetectorConfig returns tuning suited to close-mic 16kHz capture.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		EnergyThreshold: 0.02,
		HangoverMs:      600,
		MinSpeechMs:     250,
		PrefixMs:        300,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	d := DefaultDetectorConfig()
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = d.EnergyThreshold
	}
	if c.HangoverMs <= 0 {
		c.HangoverMs = d.HangoverMs
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = d.MinSpeechMs
	}
	if c.PrefixMs <= 0 {
		c.PrefixMs = d.PrefixMs
	}
	return c
}

// EnergyDetector is an RMS-threshold boundary detector with hangover and a
// prefix ring buffer. Feed expects frames in the configured format; frame
// size may vary call to call.
type EnergyDetector struct {
	cfg    DetectorConfig
	format AudioFormat
	log    *zap.Logger

	mu        sync.Mutex
	handlers  BoundaryHandlers
	capturing bool
	utterance []byte
	silenceMs int
	speechMs  int
	prefix    *RingBuffer
}

// NewEnergyDetector returns a detector for the given format.
func NewEnergyDetector(cfg DetectorConfig, format AudioFormat, log *zap.Logger) *EnergyDetector {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &EnergyDetector{
		cfg:    cfg,
		format: format,
		log:    log,
		prefix: NewRingBuffer(format.BytesForMs(cfg.PrefixMs)),
	}
}

// SetHandlers installs the boundary callbacks.
func (d *EnergyDetector) SetHandlers(h BoundaryHandlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = h
}

// Reset discards any in-progress utterance without emitting a boundary.
func (d *EnergyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = false
	d.utterance = nil
	d.silenceMs = 0
	d.speechMs = 0
	d.prefix.Reset()
}

// Feed consumes one microphone frame and may emit boundary callbacks.
// Callbacks run on the caller's goroutine.
func (d *EnergyDetector) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	energy := RMSEnergy(pcm)
	frameMs := d.format.DurationMs(pcm)

	d.mu.Lock()
	h := d.handlers
	var onStart, onMisfire bool
	var utterance []byte

	if !d.capturing {
		if energy < d.cfg.EnergyThreshold {
			d.prefix.Write(pcm)
			d.mu.Unlock()
			return
		}
		d.capturing = true
		d.utterance = append(d.prefix.Bytes(), pcm...)
		d.prefix.Reset()
		d.silenceMs = 0
		d.speechMs = frameMs
		onStart = true
		d.mu.Unlock()
		if onStart && h.OnSpeechStart != nil {
			h.OnSpeechStart()
		}
		return
	}

	d.utterance = append(d.utterance, pcm...)
	if energy >= d.cfg.EnergyThreshold {
		d.silenceMs = 0
		d.speechMs += frameMs
	} else {
		d.silenceMs += frameMs
	}
	if d.silenceMs < d.cfg.HangoverMs {
		d.mu.Unlock()
		return
	}

	// Utterance over.
	if d.speechMs < d.cfg.MinSpeechMs {
		onMisfire = true
		d.log.Debug("speech burst below minimum, treating as misfire",
			zap.Int("speech_ms", d.speechMs),
			zap.Int("min_speech_ms", d.cfg.MinSpeechMs))
	} else {
		utterance = d.utterance
	}
	d.capturing = false
	d.utterance = nil
	d.silenceMs = 0
	d.speechMs = 0
	d.mu.Unlock()

	if onMisfire {
		if h.OnMisfire != nil {
			h.OnMisfire()
		}
		return
	}
	if h.OnSpeechEnd != nil {
		h.OnSpeechEnd(utterance)
	}
}

// TurnSink receives routed speech decisions from the Bridge. The Session
// implements it.
type TurnSink interface {
	Phase() Phase
	BeginTurn()
	BargeIn()
	EndTurn(pcm []byte)
	AbortTurn()
	Misfire()
}

// Bridge routes boundary detector output into conversation turns. The same
// speech onset means a new turn when the session is waiting and a barge-in
// when the assistant is speaking; onsets during connection setup or while a
// request is in flight are suppressed.
type Bridge struct {
	sink TurnSink
	log  *zap.Logger
}

// NewBridge returns a bridge delivering to sink.
func NewBridge(sink TurnSink, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{sink: sink, log: log}
}

// Handlers returns the boundary handlers to install on a detector.
func (b *Bridge) Handlers() BoundaryHandlers {
	return BoundaryHandlers{
		OnSpeechStart: b.speechStart,
		OnSpeechEnd:   b.speechEnd,
		OnMisfire:     b.misfire,
	}
}

func (b *Bridge) speechStart() {
	switch b.sink.Phase() {
	case PhaseReady:
		b.sink.BeginTurn()
	case PhaseResponding:
		b.sink.BargeIn()
	case PhaseListening:
		// Already in a turn.
	default:
		b.log.Debug("speech onset suppressed",
			zap.Stringer("phase", b.sink.Phase()))
	}
}

func (b *Bridge) speechEnd(pcm []byte) {
	if b.sink.Phase() != PhaseListening {
		b.log.Debug("utterance end outside a turn, dropping",
			zap.Stringer("phase", b.sink.Phase()),
			zap.Int("bytes", len(pcm)))
		return
	}
	if len(pcm) == 0 {
		b.sink.AbortTurn()
		return
	}
	b.sink.EndTurn(pcm)
}

func (b *Bridge) misfire() {
	if b.sink.Phase() != PhaseListening {
		return
	}
	b.sink.Misfire()
}
