package dialog

import (
	"math"
	"sync"
)

// AudioFormat describes the PCM format flowing through the session. The
// capture side is 16kHz mono 16-bit little-endian.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultAudioFormat returns the capture format.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the raw PCM byte rate.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// DurationMs returns the duration of a PCM buffer in milliseconds.
func (f AudioFormat) DurationMs(data []byte) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return len(data) * 1000 / bps
}

// BytesForMs returns the buffer size holding the given duration.
func (f AudioFormat) BytesForMs(ms int) int {
	return f.BytesPerSecond() * ms / 1000
}

// RMSEnergy computes the normalized root-mean-square energy of 16-bit
// little-endian PCM, in [0, 1]. Odd trailing bytes are ignored.
func RMSEnergy(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(data[2*i]) | int16(data[2*i+1])<<8
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// RingBuffer keeps the most recent PCM bytes up to a fixed capacity. It backs
// the onset prefix so the first syllable of an utterance is not clipped.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
	head int
	size int
}

// NewRingBuffer returns a ring buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{buf: make([]byte, capacity), cap: capacity}
}

// Write appends data, evicting the oldest bytes when full.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap == 0 {
		return
	}
	if len(data) >= r.cap {
		copy(r.buf, data[len(data)-r.cap:])
		r.head = 0
		r.size = r.cap
		return
	}
	for _, b := range data {
		idx := (r.head + r.size) % r.cap
		r.buf[idx] = b
		if r.size < r.cap {
			r.size++
		} else {
			r.head = (r.head + 1) % r.cap
		}
	}
}

// Bytes returns the buffered bytes oldest-first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%r.cap]
	}
	return out
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset discards all buffered bytes.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
