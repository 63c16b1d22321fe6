package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatStaysQuietWhileReplied(t *testing.T) {
	var stale atomic.Int32
	hb := NewHeartbeat(20*time.Millisecond, 15*time.Millisecond,
		func() bool { return true },
		func() { stale.Add(1) },
		nil)
	hb.Start()
	defer hb.Stop()

	// Answer every probe promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			hb.NoteReply()
			time.Sleep(5 * time.Millisecond)
		}
	}()
	<-done

	if n := stale.Load(); n != 0 {
		t.Errorf("stale fired %d times while replies were flowing", n)
	}
}

func TestHeartbeatFiresOnMissedReply(t *testing.T) {
	staleCh := make(chan struct{}, 1)
	hb := NewHeartbeat(20*time.Millisecond, 15*time.Millisecond,
		func() bool { return true },
		func() {
			select {
			case staleCh <- struct{}{}:
			default:
			}
		},
		nil)
	hb.Start()
	defer hb.Stop()

	select {
	case <-staleCh:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stale never fired without replies")
	}
}

func TestHeartbeatFiresWhenProbeCannotBeSent(t *testing.T) {
	staleCh := make(chan struct{}, 1)
	hb := NewHeartbeat(10*time.Millisecond, 5*time.Millisecond,
		func() bool { return false },
		func() {
			select {
			case staleCh <- struct{}{}:
			default:
			}
		},
		nil)
	hb.Start()
	defer hb.Stop()

	select {
	case <-staleCh:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stale never fired for unsendable probe")
	}
}

func TestHeartbeatStopPreventsStale(t *testing.T) {
	var stale atomic.Int32
	hb := NewHeartbeat(10*time.Millisecond, 8*time.Millisecond,
		func() bool { return true },
		func() { stale.Add(1) },
		nil)
	hb.Start()
	time.Sleep(12 * time.Millisecond)
	hb.Stop()
	time.Sleep(50 * time.Millisecond)

	if n := stale.Load(); n != 0 {
		t.Errorf("stale fired %d times after Stop", n)
	}
	if hb.Running() {
		t.Error("Running() true after Stop")
	}
}

func TestHeartbeatStartIsIdempotent(t *testing.T) {
	hb := NewHeartbeat(time.Hour, time.Minute, func() bool { return true }, nil, nil)
	hb.Start()
	hb.Start()
	if !hb.Running() {
		t.Error("Running() false after Start")
	}
	hb.Stop()
	hb.Stop()
}
