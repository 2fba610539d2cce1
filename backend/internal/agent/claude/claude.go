// Package claude speaks the Claude Code CLI stream-json output format.
package claude

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/maruel/taskbox/backend/internal/agent"
)

// Options are the CLI flags of one claude invocation. The prompt is not a
// flag: it is the first user message written to stdin.
type Options struct {
	Model           string
	MaxTurns        int
	ResumeSessionID string
}

// Args returns the claude command line, program name included.
func Args(opts *Options) []string {
	args := []string{
		"claude", "-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// Decoder implements agent.Wire for stream-json.
//
// A session event is emitted whenever a record carries a session_id that
// differs from the last one emitted, before that record's log events.
// Assistant text and results are logged verbatim, tool calls as
// "[Tool: <name>]". Lines that are not a JSON object are logged as is.
type Decoder struct {
	lastSession string
	turnDone    bool
}

var _ agent.Conversation = (*Decoder)(nil)

// userInputMessage is the stdin record of a user message.
type userInputMessage struct {
	Type    string           `json:"type"`
	Message userInputContent `json:"message"`
}

type userInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeInput implements agent.Conversation.
func (d *Decoder) EncodeInput(text string) ([]byte, error) {
	data, err := json.Marshal(userInputMessage{Type: "user", Message: userInputContent{Role: "user", Content: text}})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// TurnDone implements agent.Conversation. A result record ends a turn.
func (d *Decoder) TurnDone() bool {
	return d.turnDone
}

// Decode implements agent.Wire.
func (d *Decoder) Decode(line []byte) []agent.Event {
	d.turnDone = false
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	msg, err := ParseMessage(line)
	if err != nil {
		return []agent.Event{logEvent(string(line))}
	}
	var out []agent.Event
	if sid := msg.Session(); sid != "" && sid != d.lastSession {
		d.lastSession = sid
		out = append(out, agent.Event{Kind: agent.EventSession, SessionID: sid})
	}
	switch m := msg.(type) {
	case *AssistantMessage:
		for _, b := range m.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, logEvent(b.Text))
				}
			case "tool_use":
				out = append(out, logEvent("[Tool: "+b.Name+"]"))
			}
		}
	case *ResultMessage:
		d.turnDone = true
		if m.Result != "" {
			out = append(out, logEvent(m.Result))
		}
	}
	return out
}

func logEvent(s string) agent.Event {
	return agent.Event{Kind: agent.EventLog, Text: s + "\n"}
}
