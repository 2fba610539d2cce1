package claude

import (
	"slices"
	"testing"

	"github.com/maruel/taskbox/backend/internal/agent"
)

func TestParseMessage(t *testing.T) {
	t.Run("SystemInit", func(t *testing.T) {
		line := `{"type":"system","subtype":"init","cwd":"/workspace","session_id":"abc-123","tools":["Bash","Read"],"model":"claude-opus-4-6","claude_code_version":"2.1.34","uuid":"uuid-1"}`
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		m, ok := msg.(*SystemInitMessage)
		if !ok {
			t.Fatalf("got %T, want *SystemInitMessage", msg)
		}
		if m.Model != "claude-opus-4-6" {
			t.Errorf("model = %q, want %q", m.Model, "claude-opus-4-6")
		}
		if m.Session() != "abc-123" {
			t.Errorf("session = %q", m.Session())
		}
	})
	t.Run("Result", func(t *testing.T) {
		line := `{"type":"result","subtype":"success","is_error":false,"duration_ms":1234,"num_turns":3,"result":"done","session_id":"abc","total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":50}}`
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		m, ok := msg.(*ResultMessage)
		if !ok {
			t.Fatalf("got %T, want *ResultMessage", msg)
		}
		if m.TotalCostUSD != 0.05 {
			t.Errorf("cost = %f, want 0.05", m.TotalCostUSD)
		}
		if m.NumTurns != 3 {
			t.Errorf("turns = %d, want 3", m.NumTurns)
		}
	})
	t.Run("RawFallback", func(t *testing.T) {
		line := `{"type":"stream_event","session_id":"s1","event":{"type":"message_start"}}`
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		m, ok := msg.(*RawMessage)
		if !ok {
			t.Fatalf("got %T, want *RawMessage", msg)
		}
		if m.Type() != "stream_event" || m.Session() != "s1" {
			t.Errorf("got %+v", m)
		}
	})
	t.Run("NotObject", func(t *testing.T) {
		for _, line := range []string{`null`, `42`, `"x"`, `[1]`, `{broken`} {
			if _, err := ParseMessage([]byte(line)); err == nil {
				t.Errorf("%s: expected error", line)
			}
		}
	})
}

func TestDecoder(t *testing.T) {
	logE := func(s string) agent.Event { return agent.Event{Kind: agent.EventLog, Text: s} }
	sessE := func(s string) agent.Event { return agent.Event{Kind: agent.EventSession, SessionID: s} }
	tests := []struct {
		name  string
		lines []string
		want  []agent.Event
	}{
		{
			name: "ListFiles",
			lines: []string{
				`{"type":"system","subtype":"init","session_id":"s1"}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":"I'll list"},{"type":"tool_use","name":"Bash"}]},"session_id":"s1"}`,
				`{"type":"result","result":"done","session_id":"s1"}`,
			},
			want: []agent.Event{sessE("s1"), logE("I'll list\n"), logE("[Tool: Bash]\n"), logE("done\n")},
		},
		{
			name: "SessionChange",
			lines: []string{
				`{"type":"system","subtype":"init","session_id":"s1"}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]},"session_id":"s2"}`,
			},
			want: []agent.Event{sessE("s1"), sessE("s2"), logE("a\n")},
		},
		{
			name:  "Verbatim",
			lines: []string{`not json at all`, `[1,2]`, ``, `   `},
			want:  []agent.Event{logE("not json at all\n"), logE("[1,2]\n")},
		},
		{
			name: "Silent",
			lines: []string{
				`{"type":"user","message":{"content":[{"type":"tool_result","content":"x"}]}}`,
				`{"type":"result","result":""}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":""}]}}`,
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			var got []agent.Event
			for _, l := range tt.lines {
				got = append(got, d.Decode([]byte(l))...)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got  %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestArgs(t *testing.T) {
	t.Run("Minimal", func(t *testing.T) {
		got := Args(&Options{})
		want := []string{"claude", "-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
		if !slices.Equal(got, want) {
			t.Errorf("got %q\nwant %q", got, want)
		}
	})
	t.Run("Resume", func(t *testing.T) {
		got := Args(&Options{Model: "sonnet", MaxTurns: 5, ResumeSessionID: "s1"})
		want := []string{"claude", "-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "--model", "sonnet", "--max-turns", "5", "--resume", "s1"}
		if !slices.Equal(got, want) {
			t.Errorf("got %q\nwant %q", got, want)
		}
	})
}

func TestConversation(t *testing.T) {
	var d Decoder
	got, err := d.EncodeInput("list \"files\"")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"type":"user","message":{"role":"user","content":"list \"files\""}}` + "\n"; string(got) != want {
		t.Errorf("EncodeInput = %q, want %q", got, want)
	}
	for _, tt := range []struct {
		line string
		want bool
	}{
		{`{"type":"system","subtype":"init","session_id":"s1"}`, false},
		{`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]},"session_id":"s1"}`, false},
		{`{"type":"result","subtype":"success","result":"done","session_id":"s1"}`, true},
		{`not json`, false},
	} {
		d.Decode([]byte(tt.line))
		if got := d.TurnDone(); got != tt.want {
			t.Errorf("TurnDone after %s = %v, want %v", tt.line, got, tt.want)
		}
	}
}
