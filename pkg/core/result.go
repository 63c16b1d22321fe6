package core

// TurnResultKind discriminates the outcome of one user turn.
type TurnResultKind int

const (
	// TurnOK means the service produced a playable reply.
	TurnOK TurnResultKind = iota
	// TurnSoftDecline means the service declined to answer this turn. The
	// conversation continues; the decline carries an advisory message only.
	TurnSoftDecline
	// TurnHardError means the turn failed and the session enters the error
	// state until the user retries or cancels.
	TurnHardError
)

// String returns a human-readable result kind.
func (k TurnResultKind) String() string {
	switch k {
	case TurnOK:
		return "ok"
	case TurnSoftDecline:
		return "soft_decline"
	case TurnHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// Reply is a synthesized-speech reply location returned by the service.
type Reply struct {
	AudioURL string
	Text     string
	Language string
}

// TurnResult models a turn outcome as plain data so the state machine handles
// declined queries through the ordinary transition table instead of an
// exceptional path.
type TurnResult struct {
	Kind     TurnResultKind
	Reply    *Reply
	Advisory string
	Err      *Error
}

// OKResult builds a successful turn result.
func OKResult(reply Reply) TurnResult {
	return TurnResult{Kind: TurnOK, Reply: &reply}
}

// SoftDeclineResult builds a declined-turn result with an advisory message.
func SoftDeclineResult(advisory string) TurnResult {
	return TurnResult{Kind: TurnSoftDecline, Advisory: advisory}
}

// HardErrorResult builds a failed-turn result.
func HardErrorResult(err *Error) TurnResult {
	return TurnResult{Kind: TurnHardError, Err: err}
}
