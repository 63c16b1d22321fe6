package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/voicechat/pkg/core/protocol"
)

const defaultExchangeTimeout = 60 * time.Second

// Fallback is the degraded-mode transport: one HTTP round trip carries the
// whole utterance and returns the reply synchronously. Reconnect, heartbeat
// and queueing simply do not exist on this path.
type Fallback struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

// NewFallback creates a fallback transport posting to endpoint.
func NewFallback(endpoint string, client *http.Client, log *zap.Logger) *Fallback {
	if client == nil {
		client = &http.Client{Timeout: defaultExchangeTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{endpoint: endpoint, client: client, log: log}
}

// Exchange submits one utterance and blocks for the reply. The caller maps
// the response onto the same handling as tts_stream_url / error frames.
func (f *Fallback) Exchange(ctx context.Context, pcm []byte, language string) (protocol.ExchangeResponse, error) {
	payload, err := json.Marshal(protocol.NewExchangeRequest(pcm, language))
	if err != nil {
		return protocol.ExchangeResponse{}, fmt.Errorf("encode exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return protocol.ExchangeResponse{}, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	f.log.Debug("exchange request",
		zap.String("endpoint", f.endpoint),
		zap.Int("audio_bytes", len(pcm)))

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.ExchangeResponse{}, fmt.Errorf("exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return protocol.ExchangeResponse{}, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.ExchangeResponse{}, fmt.Errorf("exchange status %d", resp.StatusCode)
	}

	var decoded protocol.ExchangeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return protocol.ExchangeResponse{}, fmt.Errorf("decode exchange response: %w", err)
	}
	return decoded, nil
}
