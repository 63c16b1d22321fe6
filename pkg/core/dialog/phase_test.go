package dialog

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  Phase
		event EventKind
		want  Phase
	}{
		{PhaseIdle, EventStart, PhaseStarting},
		{PhaseStarting, EventChannelReady, PhaseReady},
		{PhaseStarting, EventTimeout, PhaseError},
		{PhaseReady, EventSpeechStart, PhaseListening},
		{PhaseReady, EventAutoListen, PhaseListening},
		{PhaseListening, EventSpeechEnd, PhaseProcessing},
		{PhaseListening, EventSpeechEmpty, PhaseReady},
		{PhaseListening, EventInterrupt, PhaseInterrupted},
		{PhaseProcessing, EventReplyReady, PhaseResponding},
		{PhaseProcessing, EventSoftDecline, PhaseListening},
		{PhaseProcessing, EventPlaybackFailed, PhaseListening},
		{PhaseProcessing, EventTimeout, PhaseError},
		{PhaseProcessing, EventError, PhaseError},
		{PhaseResponding, EventPlaybackEnded, PhaseReady},
		{PhaseResponding, EventSpeechStart, PhaseInterrupted},
		{PhaseResponding, EventInterrupt, PhaseInterrupted},
		{PhaseResponding, EventPlaybackFailed, PhaseListening},
		{PhaseInterrupted, EventResume, PhaseListening},
		{PhaseInterrupted, EventCancel, PhaseIdle},
		{PhaseError, EventRetry, PhaseListening},
		{PhaseError, EventCancel, PhaseIdle},
	}
	for _, tc := range cases {
		got, ok := Transition(tc.from, tc.event)
		if !ok {
			t.Errorf("%s + %s rejected, want %s", tc.from, tc.event, tc.want)
			continue
		}
		if got != tc.want {
			t.Errorf("%s + %s = %s, want %s", tc.from, tc.event, got, tc.want)
		}
	}
}

func TestTransitionRejectsIllegalEvents(t *testing.T) {
	cases := []struct {
		from  Phase
		event EventKind
	}{
		{PhaseIdle, EventSpeechStart},
		{PhaseIdle, EventReplyReady},
		{PhaseStarting, EventSpeechEnd},
		{PhaseReady, EventSpeechEnd},
		{PhaseReady, EventReplyReady},
		{PhaseListening, EventStart},
		{PhaseListening, EventReplyReady},
		{PhaseProcessing, EventSpeechEnd},
		{PhaseProcessing, EventSpeechStart},
		{PhaseResponding, EventSpeechEnd},
		{PhaseInterrupted, EventSpeechEnd},
		{PhaseError, EventSpeechStart},
		{PhaseError, EventReplyReady},
	}
	for _, tc := range cases {
		if next, ok := Transition(tc.from, tc.event); ok {
			t.Errorf("%s + %s accepted as %s, want rejection", tc.from, tc.event, next)
		}
	}
}

func TestTransitionIsPure(t *testing.T) {
	// Same inputs, same outputs, no hidden state.
	for i := 0; i < 3; i++ {
		got, ok := Transition(PhaseListening, EventSpeechEnd)
		if !ok || got != PhaseProcessing {
			t.Fatalf("iteration %d: got %s ok=%v", i, got, ok)
		}
	}
}

func TestPhaseAndEventStrings(t *testing.T) {
	if PhaseResponding.String() != "RESPONDING" {
		t.Errorf("Phase string = %q", PhaseResponding.String())
	}
	if EventSpeechStart.String() != "speechStart" {
		t.Errorf("Event string = %q", EventSpeechStart.String())
	}
	if Phase(99).String() != "UNKNOWN" {
		t.Errorf("out of range phase = %q", Phase(99).String())
	}
}
