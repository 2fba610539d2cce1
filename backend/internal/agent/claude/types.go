package claude

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errNotObject = errors.New("not a JSON object")

// Message is the interface for all Claude Code streaming JSON messages.
type Message interface {
	// Type returns the message type string.
	Type() string
	// Session returns the session_id carried by the record, if any.
	Session() string
}

// SystemInitMessage is emitted at session start (type=system, subtype=init).
type SystemInitMessage struct {
	MessageType string   `json:"type"`
	Subtype     string   `json:"subtype"`
	Cwd         string   `json:"cwd"`
	SessionID   string   `json:"session_id"`
	Tools       []string `json:"tools"`
	Model       string   `json:"model"`
	Version     string   `json:"claude_code_version"`
}

// Type implements Message.
func (m *SystemInitMessage) Type() string { return "system" }

// Session implements Message.
func (m *SystemInitMessage) Session() string { return m.SessionID }

// AssistantMessage contains model responses (text or tool_use blocks).
type AssistantMessage struct {
	MessageType string     `json:"type"`
	Message     APIMessage `json:"message"`
	SessionID   string     `json:"session_id"`
}

// Type implements Message.
func (m *AssistantMessage) Type() string { return "assistant" }

// Session implements Message.
func (m *AssistantMessage) Session() string { return m.SessionID }

// APIMessage is the Anthropic API message structure.
type APIMessage struct {
	Model   string         `json:"model"`
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   Usage          `json:"usage"`
}

// ContentBlock is a single block in a message's content array.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage is per-call token consumption as reported by the API.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ResultMessage is the terminal record of a query.
type ResultMessage struct {
	MessageType  string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        Usage   `json:"usage"`
}

// Type implements Message.
func (m *ResultMessage) Type() string { return "result" }

// Session implements Message.
func (m *ResultMessage) Session() string { return m.SessionID }

// RawMessage is a pass-through for record types that produce no output
// (user tool results, stream_event, other system subtypes, etc.).
type RawMessage struct {
	MessageType string
	SessionID   string
}

// Type implements Message.
func (m *RawMessage) Type() string { return m.MessageType }

// Session implements Message.
func (m *RawMessage) Session() string { return m.SessionID }

// ParseMessage decodes a single NDJSON line into a typed Message. It fails if
// line is not a JSON object.
func ParseMessage(line []byte) (Message, error) {
	if t := bytes.TrimSpace(line); len(t) == 0 || t[0] != '{' {
		return nil, errNotObject
	}
	var envelope struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var m Message
	switch envelope.Type {
	case "system":
		if envelope.Subtype != "init" {
			return &RawMessage{MessageType: envelope.Type, SessionID: envelope.SessionID}, nil
		}
		m = &SystemInitMessage{}
	case "assistant":
		m = &AssistantMessage{}
	case "result":
		m = &ResultMessage{}
	default:
		return &RawMessage{MessageType: envelope.Type, SessionID: envelope.SessionID}, nil
	}
	if err := json.Unmarshal(line, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", envelope.Type, err)
	}
	return m, nil
}
