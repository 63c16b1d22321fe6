package dialog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingRequest is the utterance currently awaiting a reply. At most one
// exists per session.
type PendingRequest struct {
	Audio       []byte
	Language    string
	SubmittedAt time.Time
}

// PendingTracker remembers the in-flight utterance so a reconnect can resend
// it. A request is resent at most once across any number of reconnects, and
// never after it has aged past maxAge.
type PendingTracker struct {
	mu     sync.Mutex
	req    *PendingRequest
	resent bool
	maxAge time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewPendingTracker returns a tracker with the given resend age limit.
func NewPendingTracker(maxAge time.Duration, log *zap.Logger) *PendingTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &PendingTracker{maxAge: maxAge, now: time.Now, log: log}
}

// Set records a newly sent utterance, replacing any previous one.
func (t *PendingTracker) Set(audio []byte, language string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.req = &PendingRequest{Audio: audio, Language: language, SubmittedAt: t.now()}
	t.resent = false
}

// Clear drops the pending request, returning what was pending. It is safe to
// call when nothing is pending.
func (t *PendingTracker) Clear() *PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := t.req
	t.req = nil
	t.resent = false
	return req
}

// Live reports whether an utterance is awaiting a reply.
func (t *PendingTracker) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req != nil
}

// TakeForResend returns the pending request if it is still eligible for a
// resend and marks it resent. Aged-out requests are dropped with a log line
// rather than retried. Subsequent calls return nil until a new Set.
func (t *PendingTracker) TakeForResend() *PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req == nil || t.resent {
		return nil
	}
	if age := t.now().Sub(t.req.SubmittedAt); age > t.maxAge {
		t.log.Info("dropping stale pending utterance",
			zap.Duration("age", age),
			zap.Duration("max_age", t.maxAge))
		t.req = nil
		return nil
	}
	t.resent = true
	return t.req
}
