// Package agent runs a coding agent process and turns its output into an
// ordered stream of events.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// EventKind discriminates Event.
type EventKind int

// Event kinds. A stream carries any number of EventLog and EventSession
// followed by exactly one EventEnd or EventError.
const (
	EventLog EventKind = iota
	EventSession
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventSession:
		return "session"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a process event stream.
type Event struct {
	Kind      EventKind
	Text      string // EventLog
	SessionID string // EventSession
	ExitCode  int    // EventEnd
	Err       error  // EventError
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventEnd || e.Kind == EventError
}

// Wire decodes one stdout line of the agent's wire format into events.
//
// Implementations are stateful (session deduplication) and are only called
// from a single goroutine.
type Wire interface {
	Decode(line []byte) []Event
}

// Conversation is a Wire whose process reads user messages on stdin, one
// per line, and answers each with a turn.
type Conversation interface {
	Wire
	// EncodeInput returns the stdin record for a user message, newline
	// terminated.
	EncodeInput(text string) ([]byte, error)
	// TurnDone reports whether the line last passed to Decode ended a turn.
	TurnDone() bool
}

// Options configures Start.
type Options struct {
	// Prompt is sent as the first user message when the wire is a
	// Conversation. Stdin then stays open while a message is unanswered and
	// is closed once every message got its turn, which lets the agent exit.
	Prompt string
	// KeepStdin leaves stdin open until the process exits. By default stdin
	// is closed right after spawn and the agent runs fire-and-forget.
	KeepStdin bool
	// Transcript receives every raw stdout line. May be nil.
	Transcript io.Writer
	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Process is a running agent process. Use Start to create one.
type Process struct {
	cmd    *exec.Cmd
	log    *slog.Logger
	events chan Event
	done   chan struct{} // closed after the terminal event is sent

	conv Conversation // nil when the wire takes raw lines

	mu          sync.Mutex // serializes stdin writes
	stdin       io.WriteCloser
	stdinClosed bool
	pending     int // user messages without a finished turn
}

// Start launches cmd and decodes its stdout with wire. cmd must not have been
// started and must not have Stdin, Stdout or Stderr set.
//
// Start never fails: a spawn failure is reported as a single EventError on
// Events.
func Start(cmd *exec.Cmd, wire Wire, opts *Options) *Process {
	if opts == nil {
		opts = &Options{}
	}
	p := &Process{
		cmd:    cmd,
		log:    opts.Log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		p.stdinClosed = true
		p.events <- Event{Kind: EventError, Err: fmt.Errorf("start %s: %w", cmd.Path, err)}
		close(p.events)
		close(p.done)
		return p
	}
	p.stdin = stdin
	conv, _ := wire.(Conversation)
	interactive := conv != nil && opts.Prompt != ""
	if interactive {
		p.conv = conv
	} else if !opts.KeepStdin {
		p.closeStdin()
	}
	p.log.Debug("agent started", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Go(func() { p.readStdout(stdout, wire, opts.Transcript) })
	wg.Go(func() { p.readStderr(stderr) })
	go func() {
		wg.Wait()
		// Wait must only be called once both pipes are drained.
		waitErr := cmd.Wait()
		p.closeStdin()
		p.events <- exitEvent(waitErr)
		close(p.events)
		close(p.done)
		p.log.Debug("agent exited", "pid", cmd.Process.Pid, "err", waitErr)
	}()
	if interactive && !p.Send(opts.Prompt) {
		p.log.Warn("agent did not accept the prompt")
	}
	return p
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdin, stdout, stderr, nil
}

func exitEvent(err error) Event {
	if err == nil {
		return Event{Kind: EventEnd}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when killed by a signal.
		return Event{Kind: EventEnd, ExitCode: exitErr.ExitCode()}
	}
	return Event{Kind: EventError, Err: err}
}

// Events returns the event stream. It is closed after the terminal event.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the process exited and its terminal event was queued.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the OS process id, or 0 if the process never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Signal sends sig to the process. It returns os.ErrProcessDone once the
// process exited.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Send writes a user message to the process stdin: encoded by the
// Conversation when there is one, otherwise text followed by a newline. It
// returns false if stdin was closed, the process exited or the write failed.
func (p *Process) Send(text string) bool {
	data := []byte(text + "\n")
	if p.conv != nil {
		var err error
		if data, err = p.conv.EncodeInput(text); err != nil {
			p.log.Warn("agent input encode", "err", err)
			return false
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	if _, err := p.stdin.Write(data); err != nil {
		p.log.Warn("agent stdin write", "err", err)
		return false
	}
	if p.conv != nil {
		p.pending++
	}
	return true
}

// turnDone closes stdin once every sent message was answered.
func (p *Process) turnDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending > 0 {
		p.pending--
	}
	if p.pending == 0 && !p.stdinClosed {
		p.stdinClosed = true
		_ = p.stdin.Close()
	}
}

func (p *Process) closeStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stdinClosed {
		p.stdinClosed = true
		_ = p.stdin.Close()
	}
}

// readStdout splits r into lines and decodes each. An unterminated trailing
// fragment at EOF is dropped.
func (p *Process) readStdout(r io.Reader, wire Wire, transcript io.Writer) {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if len(line) != 0 {
				p.log.Debug("dropping unterminated output", "bytes", len(line))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Warn("agent stdout", "err", err)
			}
			return
		}
		if transcript != nil {
			_, _ = transcript.Write(line)
		}
		for _, ev := range wire.Decode(line[:len(line)-1]) {
			p.events <- ev
		}
		if p.conv != nil && p.conv.TurnDone() {
			p.turnDone()
		}
	}
}

// readStderr forwards stderr verbatim, chunk by chunk.
func (p *Process) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.events <- Event{Kind: EventLog, Text: string(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}
