// Package live fans task events out to connected clients.
//
// Both transports, the SSE log stream and the terminal websocket, carry the
// same Frame encoding.
package live

import (
	"github.com/maruel/taskbox/backend/internal/agent"
)

// FrameType is the discriminator of a Frame.
type FrameType string

// Frame types.
const (
	FrameLog     FrameType = "log"
	FrameSession FrameType = "session"
	FrameEnd     FrameType = "end"
	FrameError   FrameType = "error"
)

// Frame is one message sent to a subscriber.
type Frame struct {
	Type      FrameType `json:"type"`
	Data      string    `json:"data,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Status    string    `json:"status,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Terminal reports whether f is the last frame of a task.
func (f *Frame) Terminal() bool {
	return f.Type == FrameEnd || f.Type == FrameError
}

// LogFrame returns a log frame.
func LogFrame(text string) Frame {
	return Frame{Type: FrameLog, Data: text}
}

// SessionFrame returns a session frame.
func SessionFrame(id string) Frame {
	return Frame{Type: FrameSession, SessionID: id}
}

// EndFrame returns the end frame for a task that reached status. exitCode is
// nil when the run never reported one, e.g. after a stop.
func EndFrame(status string, exitCode *int) Frame {
	return Frame{Type: FrameEnd, Status: status, ExitCode: exitCode}
}

// ErrorFrame returns an error frame.
func ErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Message: msg}
}

// FromEvent converts a non-terminal agent event. Terminal events need the
// task's final status and are built by the caller.
func FromEvent(ev *agent.Event) Frame {
	switch ev.Kind {
	case agent.EventSession:
		return SessionFrame(ev.SessionID)
	case agent.EventError:
		return ErrorFrame(ev.Err.Error())
	default:
		return LogFrame(ev.Text)
	}
}
