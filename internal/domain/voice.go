package domain

import "context"

// SessionState is the lifecycle state of the remote voice-agent session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionInitializing
	SessionReady
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// SessionEventKind discriminates initialization progress events.
type SessionEventKind int

const (
	EventProgress SessionEventKind = iota
	EventSuccess
	EventFailure
)

// SessionEvent is one entry in the ordered initialization event stream.
// A stream carries zero or more Progress events and ends with exactly one
// Success (carrying the session ID) or Failure (carrying the reason).
type SessionEvent struct {
	Kind      SessionEventKind
	Message   string
	SessionID string
}

// Speaker sends text to the live voice session. Implementations enforce the
// word cap and fail without side effects when the session is not ready.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// AudioRenderer is the collaborator that turns the remote session into
// audible sound (a browser page joining the audio channel). The core only
// starts and stops it.
type AudioRenderer interface {
	Start(ctx context.Context, p RenderParams) error
	Stop()
}

// RenderParams identifies the channel the renderer joins.
type RenderParams struct {
	AppID    string
	Channel  string
	Token    string
	UID      string
	AgentUID string
}
