// Package runner launches isolated agent runs and tracks the live ones.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/sync/singleflight"

	"github.com/maruel/taskbox/backend/internal/agent"
	"github.com/maruel/taskbox/backend/internal/agent/claude"
	"github.com/maruel/taskbox/backend/internal/container"
)

// ErrAuthNotConfigured is returned by StartRun when neither a credential
// directory nor an API key is available.
var ErrAuthNotConfigured = errors.New("agent authentication not configured: log in with claude or set ANTHROPIC_API_KEY")

// Backend selects how runs are referenced and stopped.
type Backend string

// Backends.
const (
	// BackendProcess refers to the local docker run process.
	BackendProcess Backend = "process"
	// BackendContainer names each container and stops it with docker stop.
	BackendContainer Backend = "container"
)

// StartRequest describes one run.
type StartRequest struct {
	TaskID          int64
	ProjectID       int64
	ProjectPath     string
	Prompt          string
	ResumeSessionID string
	Mounts          []string
}

// Runner launches agent runs inside per-project images.
type Runner struct {
	Docker  *container.Docker
	Backend Backend
	// CredentialsDir is the host agent login directory, e.g. ~/.claude. It is
	// used when it exists.
	CredentialsDir string
	APIKey         string
	Model          string
	MaxTurns       int
	// StopGrace bounds docker stop before the container is killed.
	StopGrace time.Duration
	// TranscriptDir receives one raw NDJSON file per run. Empty disables it.
	TranscriptDir string
	Registry      *Registry

	builds singleflight.Group
}

// New returns a Runner with an empty registry.
func New(d *container.Docker, backend Backend) *Runner {
	return &Runner{Docker: d, Backend: backend, StopGrace: 10 * time.Second, Registry: &Registry{}}
}

// TemplateExists reports whether the project has an isolation template.
func (r *Runner) TemplateExists(projectPath string) bool {
	return container.TemplateExists(projectPath)
}

// StartRun checks credentials, ensures the project image exists, then spawns
// the agent. The returned handle's events always end with exactly one
// terminal event; a spawn failure is reported that way rather than as an
// error.
func (r *Runner) StartRun(ctx context.Context, req *StartRequest) (*Handle, error) {
	credDir := r.credentials()
	if credDir == "" && r.APIKey == "" {
		return nil, ErrAuthNotConfigured
	}
	image := container.ImageName(req.ProjectID)
	if err := r.ensureImage(ctx, image, req.ProjectPath); err != nil {
		return nil, err
	}
	spec := &container.RunSpec{
		TaskID:         req.TaskID,
		Image:          image,
		ProjectPath:    req.ProjectPath,
		CredentialsDir: credDir,
		APIKey:         r.APIKey,
		Mounts:         req.Mounts,
		Command: claude.Args(&claude.Options{
			Model:           r.Model,
			MaxTurns:        r.MaxTurns,
			ResumeSessionID: req.ResumeSessionID,
		}),
	}
	if r.Backend == BackendContainer {
		spec.Name = container.NewContainerName()
	}
	log := slog.With("task", req.TaskID)
	transcript := r.openTranscript(req)
	p := agent.Start(r.Docker.Command(spec), &claude.Decoder{}, &agent.Options{Prompt: req.Prompt, Transcript: transcript, Log: log})

	var ref container.Ref
	switch {
	case r.Backend == BackendContainer:
		ref = &container.ContainerRef{Name: spec.Name, Docker: r.Docker, Grace: r.StopGrace}
	case p.Pid() != 0:
		ref = &container.ProcessRef{PID: p.Pid(), Proc: p, TaskID: req.TaskID, Docker: r.Docker, Grace: r.StopGrace}
	}
	events := make(chan agent.Event, 64)
	h := NewHandle(req.TaskID, ref, events, p.Send)
	r.Registry.Insert(h)
	if ref != nil {
		log.Info("run started", "ref", ref.ID(), "image", image, "resume", req.ResumeSessionID)
	}
	go func() {
		defer close(events)
		for ev := range p.Events() {
			if ev.Terminal() {
				// Unregister before the terminal event is observed.
				r.Registry.Remove(h)
				closeTranscript(transcript, ev)
			}
			events <- ev
		}
	}()
	return h, nil
}

// SendInput writes text to the live run of a task. It reports false when no
// live run exists or the write failed.
func (r *Runner) SendInput(taskID int64, text string) bool {
	h := r.Registry.Get(taskID)
	return h != nil && h.Send(text)
}

// IsRunning reports whether the task has a live run.
func (r *Runner) IsRunning(taskID int64) bool {
	return r.Registry.IsRunning(taskID)
}

// StopRun requests termination of ref. An already exited target is success.
func (r *Runner) StopRun(ctx context.Context, ref container.Ref) error {
	return ref.Stop(ctx)
}

// StopTask stops the live run of a task, falling back to the persisted
// reference when the registry has no entry.
func (r *Runner) StopTask(ctx context.Context, taskID int64, refID string) error {
	if h := r.Registry.Get(taskID); h != nil && h.Ref() != nil {
		return r.StopRun(ctx, h.Ref())
	}
	ref, err := r.Docker.ParseRef(refID, r.StopGrace)
	if err != nil {
		return err
	}
	if pr, ok := ref.(*container.ProcessRef); ok {
		pr.TaskID = taskID
	}
	return r.StopRun(ctx, ref)
}

// RunStatus probes a persisted reference. Unparsable references are
// reported as removed.
func (r *Runner) RunStatus(ctx context.Context, refID string) container.Status {
	ref, err := r.Docker.ParseRef(refID, r.StopGrace)
	if err != nil {
		return container.StatusRemoved
	}
	return ref.Status(ctx)
}

func (r *Runner) credentials() string {
	if r.CredentialsDir == "" {
		return ""
	}
	if fi, err := os.Stat(r.CredentialsDir); err != nil || !fi.IsDir() {
		return ""
	}
	return r.CredentialsDir
}

// ensureImage builds the image if missing. Concurrent callers for the same
// image share one build, which is not cancelled with ctx.
func (r *Runner) ensureImage(ctx context.Context, image, projectPath string) error {
	_, err, _ := r.builds.Do(image, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		ok, err := r.Docker.ImageExists(ctx, image)
		if err != nil || ok {
			return nil, err
		}
		slog.Info("building image", "image", image, "project", projectPath)
		start := time.Now()
		if err := r.Docker.Build(ctx, image, projectPath); err != nil {
			return nil, err
		}
		slog.Info("built image", "image", image, "d", time.Since(start).Round(time.Millisecond))
		return nil, nil
	})
	return err
}

type transcriptMeta struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	TaskID    int64     `json:"task_id"`
	ProjectID int64     `json:"project_id"`
	Prompt    string    `json:"prompt"`
	Resume    string    `json:"resume,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type transcriptResult struct {
	Type     string `json:"type"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// openTranscript creates the run's NDJSON transcript and writes a metadata
// header as the first line. Failures are logged and disable the transcript.
func (r *Runner) openTranscript(req *StartRequest) io.WriteCloser {
	if r.TranscriptDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.TranscriptDir, 0o750); err != nil {
		slog.Warn("create transcript dir", "err", err)
		return nil
	}
	name := strconv.FormatInt(req.TaskID, 10) + "-" + ksid.NewID().String() + ".jsonl"
	f, err := os.OpenFile(filepath.Join(r.TranscriptDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // name is derived from ids.
	if err != nil {
		slog.Warn("create transcript", "err", err)
		return nil
	}
	meta := transcriptMeta{
		Type:      "taskbox_meta",
		Version:   1,
		TaskID:    req.TaskID,
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
		Resume:    req.ResumeSessionID,
		StartedAt: time.Now().UTC(),
	}
	if data, err := json.Marshal(meta); err == nil {
		_, _ = f.Write(append(data, '\n'))
	}
	return f
}

// closeTranscript appends the run outcome and closes w.
func closeTranscript(w io.WriteCloser, ev agent.Event) {
	if w == nil {
		return
	}
	res := transcriptResult{Type: "taskbox_result"}
	if ev.Kind == agent.EventEnd {
		res.ExitCode = &ev.ExitCode
	} else if ev.Err != nil {
		res.Error = ev.Err.Error()
	}
	if data, err := json.Marshal(res); err == nil {
		_, _ = w.Write(append(data, '\n'))
	}
	if err := w.Close(); err != nil {
		slog.Warn("close transcript", "err", err)
	}
}
