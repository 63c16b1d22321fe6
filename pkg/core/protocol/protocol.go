// Package protocol defines the JSON wire schema spoken over the duplex
// channel. Every frame is a tagged union discriminated by a single "type"
// field; inbound frames are parsed exactly once by DecodeServerMessage.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client → server message types.
const (
	TypeInit       = "init"
	TypeAudioChunk = "audio_chunk"
	TypeEndAudio   = "end_audio"
	TypePing       = "ping"
	TypeInterrupt  = "interrupt"
)

// Server → client message types.
const (
	TypeTTSStreamURL    = "tts_stream_url"
	TypeError           = "error"
	TypePong            = "pong"
	TypeInterruptionCue = "interruption_cue"
)

// ClientMessage is the interface for all outbound frames. Messages are
// immutable once constructed.
type ClientMessage interface {
	// MessageType returns the wire discriminator.
	MessageType() string
}

// ClientInit announces the session and locale.
type ClientInit struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	AgentLabel string `json:"agentLabel,omitempty"`
}

func (m ClientInit) MessageType() string { return TypeInit }

// ClientAudioChunk carries one utterance's audio as base64 PCM.
type ClientAudioChunk struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Language string `json:"language"`
}

func (m ClientAudioChunk) MessageType() string { return TypeAudioChunk }

// ClientEndAudio marks the utterance boundary. It must follow the matching
// audio_chunk on the wire.
type ClientEndAudio struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

func (m ClientEndAudio) MessageType() string { return TypeEndAudio }

// ClientPing is the heartbeat probe.
type ClientPing struct {
	Type string `json:"type"`
}

func (m ClientPing) MessageType() string { return TypePing }

// ClientInterrupt tells the server to abandon in-flight generation.
type ClientInterrupt struct {
	Type string `json:"type"`
}

func (m ClientInterrupt) MessageType() string { return TypeInterrupt }

// NewInit builds an init frame.
func NewInit(language, agentLabel string) ClientInit {
	return ClientInit{Type: TypeInit, Language: language, AgentLabel: agentLabel}
}

// NewAudioChunk builds an audio_chunk frame from raw PCM bytes.
func NewAudioChunk(pcm []byte, language string) ClientAudioChunk {
	return ClientAudioChunk{
		Type:     TypeAudioChunk,
		Data:     base64.StdEncoding.EncodeToString(pcm),
		Language: language,
	}
}

// NewEndAudio builds an end_audio frame.
func NewEndAudio(language string) ClientEndAudio {
	return ClientEndAudio{Type: TypeEndAudio, Language: language}
}

// NewPing builds a heartbeat probe.
func NewPing() ClientPing { return ClientPing{Type: TypePing} }

// NewInterrupt builds an interrupt frame.
func NewInterrupt() ClientInterrupt { return ClientInterrupt{Type: TypeInterrupt} }

// ServerMessage is the interface for all inbound frames.
type ServerMessage interface {
	// MessageType returns the wire discriminator.
	MessageType() string
}

// ServerTTSStreamURL is the synthesized reply location.
type ServerTTSStreamURL struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

func (m ServerTTSStreamURL) MessageType() string { return TypeTTSStreamURL }

// ServerError is a recoverable or terminal failure reported by the service.
type ServerError struct {
	Message string `json:"message"`
}

func (m ServerError) MessageType() string { return TypeError }

// ServerPong is the heartbeat reply.
type ServerPong struct{}

func (m ServerPong) MessageType() string { return TypePong }

// ServerInterruptionCue is a server-initiated barge-in signal.
type ServerInterruptionCue struct{}

func (m ServerInterruptionCue) MessageType() string { return TypeInterruptionCue }

// ServerUnknown preserves frames this client version does not understand.
// Unknown frames are not an error; newer servers may emit them.
type ServerUnknown struct {
	Type string
	Raw  json.RawMessage
}

func (m ServerUnknown) MessageType() string { return m.Type }

// DecodeServerMessage parses one inbound text frame. It is the only place
// inbound JSON is unmarshaled.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	switch typ {
	case TypeTTSStreamURL:
		var msg ServerTTSStreamURL
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode tts_stream_url: %w", err)
		}
		if strings.TrimSpace(msg.URL) == "" {
			return nil, fmt.Errorf("tts_stream_url missing url")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return msg, nil
	case TypePong:
		return ServerPong{}, nil
	case TypeInterruptionCue:
		return ServerInterruptionCue{}, nil
	default:
		return ServerUnknown{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

// ExchangeRequest is the request/response fallback payload: one HTTP call
// carries the whole utterance.
type ExchangeRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language"`
}

// NewExchangeRequest builds a fallback request from raw PCM bytes.
func NewExchangeRequest(pcm []byte, language string) ExchangeRequest {
	return ExchangeRequest{
		Audio:    base64.StdEncoding.EncodeToString(pcm),
		Language: language,
	}
}

// ExchangeResponse is the synchronous fallback reply.
type ExchangeResponse struct {
	Success  bool   `json:"success"`
	AudioURL string `json:"audioUrl,omitempty"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
}
