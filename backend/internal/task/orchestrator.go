// Package task owns the task lifecycle: it starts runs, persists what they
// report and fans it out to live subscribers.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maruel/taskbox/backend/internal/agent"
	"github.com/maruel/taskbox/backend/internal/container"
	"github.com/maruel/taskbox/backend/internal/live"
	"github.com/maruel/taskbox/backend/internal/metrics"
	"github.com/maruel/taskbox/backend/internal/runner"
	"github.com/maruel/taskbox/backend/internal/store"
)

// Errors returned by the Orchestrator.
var (
	ErrSetupIncomplete   = errors.New("project setup incomplete: no isolation template")
	ErrNoSessionToResume = errors.New("parent task has no session to resume")
	ErrNotRunning        = errors.New("task is not running")
	ErrNoProcess         = errors.New("task has no live process")
	ErrInvalidPrompt     = errors.New("prompt is required")
)

// Synthetic log lines.
const (
	stoppedMarker     = "[stopped by user]\n"
	interruptedMarker = "[interrupted: server restarted]\n"
	shutdownMarker    = "[interrupted: server shutting down]\n"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetProjectByID(ctx context.Context, id int64) (*store.Project, error)
	CreateTask(ctx context.Context, nt *store.NewTask) (*store.Task, error)
	GetTaskByID(ctx context.Context, id int64) (*store.Task, error)
	ListUnfinished(ctx context.Context) ([]*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status store.Status, ref string) (bool, error)
	UpdateTaskCompleted(ctx context.Context, id int64, status store.Status, exitCode *int) (bool, error)
	AppendTaskLogs(ctx context.Context, id int64, text string) error
	UpdateTaskSessionID(ctx context.Context, id int64, sessionID string) (bool, error)
}

// Launcher starts and controls runs. *runner.Runner implements it.
type Launcher interface {
	TemplateExists(projectPath string) bool
	StartRun(ctx context.Context, req *runner.StartRequest) (*runner.Handle, error)
	SendInput(taskID int64, text string) bool
	IsRunning(taskID int64) bool
	StopTask(ctx context.Context, taskID int64, refID string) error
}

// Publisher delivers frames to one transport. *live.Broker implements it.
type Publisher interface {
	Publish(taskID int64, f live.Frame)
	Finish(taskID int64, f live.Frame)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrentRuns bounds active runs. 0 means unlimited.
	MaxConcurrentRuns int
	Publishers        []Publisher
	Metrics           *metrics.Metrics
}

// Orchestrator runs tasks. There is one per process.
type Orchestrator struct {
	store   Store
	runner  Launcher
	pubs    []Publisher
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	// ctx bounds waiting for a slot. Store writes use bg so that the outcome
	// of a run is recorded even during shutdown.
	ctx context.Context
	bg  context.Context
	wg  sync.WaitGroup

	locks lockTable

	mu     sync.Mutex
	active map[int64]struct{}
}

// New returns an Orchestrator. Runs started by it live until their process
// exits; ctx only bounds how long a task waits for a slot.
func New(ctx context.Context, st Store, r Launcher, opts *Options) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		runner:  r,
		pubs:    opts.Publishers,
		metrics: opts.Metrics,
		ctx:     ctx,
		bg:      context.WithoutCancel(ctx),
		active:  map[int64]struct{}{},
	}
	if opts.MaxConcurrentRuns > 0 {
		o.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))
	}
	return o
}

// CreateTask creates a pending task and starts its run in the background.
func (o *Orchestrator) CreateTask(ctx context.Context, projectID int64, prompt string) (*store.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrInvalidPrompt
	}
	p, err := o.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := o.checkTemplate(p); err != nil {
		return nil, err
	}
	t, err := o.store.CreateTask(ctx, &store.NewTask{ProjectID: p.ID, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	slog.Info("task created", "task", t.ID, "project", p.ID)
	o.launch(t, p, "")
	return t, nil
}

// CreateFollowup creates a task continuing the conversation of parentID and
// starts its run in the background.
func (o *Orchestrator) CreateFollowup(ctx context.Context, parentID int64, prompt string) (*store.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrInvalidPrompt
	}
	parent, err := o.store.GetTaskByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.SessionID == "" {
		return nil, ErrNoSessionToResume
	}
	p, err := o.store.GetProjectByID(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := o.checkTemplate(p); err != nil {
		return nil, err
	}
	t, err := o.store.CreateTask(ctx, &store.NewTask{ProjectID: p.ID, Prompt: prompt, ParentTaskID: parent.ID})
	if err != nil {
		return nil, err
	}
	slog.Info("followup created", "task", t.ID, "parent", parent.ID, "session", parent.SessionID)
	o.launch(t, p, parent.SessionID)
	return t, nil
}

func (o *Orchestrator) checkTemplate(p *store.Project) error {
	if !o.runner.TemplateExists(p.Path) {
		return fmt.Errorf("%w: %s not found", ErrSetupIncomplete, container.TemplatePath(p.Path))
	}
	return nil
}

// StopTask marks a running task failed and stops its run. Stopping is never
// reported as completed.
func (o *Orchestrator) StopTask(ctx context.Context, id int64) error {
	unlock := o.locks.lock(id)
	t, err := o.store.GetTaskByID(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if t.Status != store.StatusRunning || t.ContainerID == "" {
		unlock()
		return ErrNotRunning
	}
	o.appendLog(id, stoppedMarker)
	o.markFailed(id)
	unlock()

	slog.Info("stopping task", "task", id, "ref", t.ContainerID)
	err = o.runner.StopTask(ctx, id, t.ContainerID)
	if !o.isActive(id) {
		// No run goroutine is left to close the transports.
		unlock := o.locks.lock(id)
		o.finish(id, live.EndFrame(string(store.StatusFailed), nil))
		unlock()
	}
	if err != nil {
		return fmt.Errorf("stop task %d: %w", id, err)
	}
	return nil
}

// SendInput writes text to the task's run and echoes it into the log.
func (o *Orchestrator) SendInput(ctx context.Context, id int64, text string) error {
	unlock := o.locks.lock(id)
	defer unlock()
	t, err := o.store.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != store.StatusRunning {
		return ErrNotRunning
	}
	if !o.runner.IsRunning(id) || !o.runner.SendInput(id, text) {
		return ErrNoProcess
	}
	o.appendLog(id, text+"\n")
	return nil
}

// Attach calls fn with the current task row while holding the task's lock, so
// that fn can subscribe to a transport without missing or duplicating a
// frame.
func (o *Orchestrator) Attach(ctx context.Context, id int64, fn func(t *store.Task) error) error {
	unlock := o.locks.lock(id)
	defer unlock()
	t, err := o.store.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	return fn(t)
}

// Thread is a chain of tasks linked by follow-ups, root first.
type Thread struct {
	Tasks []*store.Task
	// Orphaned is set when the chain is cut by a deleted parent.
	Orphaned bool
}

// Thread walks the parent pointers of id.
func (o *Orchestrator) Thread(ctx context.Context, id int64) (*Thread, error) {
	t, err := o.store.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	th := &Thread{Tasks: []*store.Task{t}}
	seen := map[int64]bool{t.ID: true}
	for t.ParentTaskID != 0 && !seen[t.ParentTaskID] {
		seen[t.ParentTaskID] = true
		parent, err := o.store.GetTaskByID(ctx, t.ParentTaskID)
		if errors.Is(err, store.ErrNotFound) {
			th.Orphaned = true
			break
		}
		if err != nil {
			return nil, err
		}
		th.Tasks = append(th.Tasks, parent)
		t = parent
	}
	for i, j := 0, len(th.Tasks)-1; i < j; i, j = i+1, j-1 {
		th.Tasks[i], th.Tasks[j] = th.Tasks[j], th.Tasks[i]
	}
	return th, nil
}

// Recover fails the tasks a previous process left unfinished. It must be
// called before any task is created.
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tasks {
		slog.Warn("recovering interrupted task", "task", t.ID, "status", t.Status, "ref", t.ContainerID)
		if err := o.store.AppendTaskLogs(ctx, t.ID, interruptedMarker); err != nil {
			errs = append(errs, err)
		}
		// A pid may have been reused since; only named containers are safe to
		// stop.
		if t.ContainerID != "" && !container.IsProcessRef(t.ContainerID) {
			if err := o.runner.StopTask(ctx, t.ID, t.ContainerID); err != nil {
				slog.Warn("stop interrupted run", "task", t.ID, "err", err)
			}
		}
		if _, err := o.store.UpdateTaskCompleted(ctx, t.ID, store.StatusFailed, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown marks every active run failed and stops it. Call Wait afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]int64, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	var errs []error
	for _, id := range ids {
		unlock := o.locks.lock(id)
		t, err := o.store.GetTaskByID(o.bg, id)
		if err != nil || t.Status.Terminal() {
			unlock()
			continue
		}
		o.appendLog(id, shutdownMarker)
		o.markFailed(id)
		unlock()
		if t.ContainerID == "" && !o.runner.IsRunning(id) {
			continue
		}
		if err := o.runner.StopTask(ctx, id, t.ContainerID); err != nil {
			errs = append(errs, fmt.Errorf("stop task %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every run goroutine returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (o *Orchestrator) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d runs still active: %w", o.Active(), ctx.Err())
	}
}

// Active returns the number of tasks with a run goroutine, queued or not.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) isActive(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

func (o *Orchestrator) launch(t *store.Task, p *store.Project, resume string) {
	o.mu.Lock()
	o.active[t.ID] = struct{}{}
	o.mu.Unlock()
	req := &runner.StartRequest{
		TaskID:          t.ID,
		ProjectID:       p.ID,
		ProjectPath:     p.Path,
		Prompt:          t.Prompt,
		ResumeSessionID: resume,
		Mounts:          p.Mounts,
	}
	o.wg.Go(func() {
		defer func() {
			o.mu.Lock()
			delete(o.active, t.ID)
			o.mu.Unlock()
		}()
		o.run(req)
	})
}

// run drives one task from pending to a terminal status.
func (o *Orchestrator) run(req *runner.StartRequest) {
	id := req.TaskID
	log := slog.With("task", id)
	if o.sem != nil {
		o.metrics.Queued()
		err := o.sem.Acquire(o.ctx, 1)
		o.metrics.Dequeued()
		if err != nil {
			o.fail(id, fmt.Errorf("waiting for a run slot: %w", err))
			return
		}
		defer o.sem.Release(1)
	}

	// Optimistic: a stop request arriving during the image build sees the
	// task as running.
	unlock := o.locks.lock(id)
	ok, err := o.store.UpdateTaskStatus(o.bg, id, store.StatusRunning, "")
	unlock()
	if err != nil {
		log.Error("mark running", "err", err)
		o.fail(id, err)
		return
	}
	if !ok {
		log.Info("task finished before its run started")
		return
	}

	start := time.Now()
	o.metrics.RunStarted()
	defer func() { o.metrics.RunFinished(time.Since(start)) }()

	h, err := o.runner.StartRun(o.bg, req)
	if err != nil {
		log.Warn("run failed to start", "err", err)
		o.fail(id, err)
		return
	}
	if ref := h.Ref(); ref != nil {
		unlock := o.locks.lock(id)
		if _, err := o.store.UpdateTaskStatus(o.bg, id, store.StatusRunning, ref.ID()); err != nil {
			log.Error("attach run reference", "err", err)
		}
		unlock()
		if o.ctx.Err() != nil {
			// Shutdown started during the image build.
			if err := o.runner.StopTask(o.bg, id, ref.ID()); err != nil {
				log.Warn("stop run after shutdown", "err", err)
			}
		}
	}
	for ev := range h.Events() {
		o.handle(id, &ev)
	}
	log.Info("run done", "d", time.Since(start).Round(time.Millisecond))
}

// handle persists and publishes one run event.
func (o *Orchestrator) handle(id int64, ev *agent.Event) {
	unlock := o.locks.lock(id)
	defer unlock()
	switch ev.Kind {
	case agent.EventLog:
		o.appendLog(id, ev.Text)
	case agent.EventSession:
		if _, err := o.store.UpdateTaskSessionID(o.bg, id, ev.SessionID); err != nil {
			slog.Error("persist session", "task", id, "err", err)
		}
		o.publish(id, live.FromEvent(ev))
	case agent.EventEnd:
		status := store.StatusCompleted
		if ev.ExitCode != 0 {
			status = store.StatusFailed
		}
		code := ev.ExitCode
		o.complete(id, status, &code, nil)
	case agent.EventError:
		o.appendLog(id, "error: "+ev.Err.Error()+"\n")
		f := live.FromEvent(ev)
		o.complete(id, store.StatusFailed, nil, &f)
	}
}

// fail records a failure that happened before or instead of a run.
func (o *Orchestrator) fail(id int64, err error) {
	unlock := o.locks.lock(id)
	defer unlock()
	o.appendLog(id, "error: "+err.Error()+"\n")
	f := live.ErrorFrame(err.Error())
	o.complete(id, store.StatusFailed, nil, &f)
}

// appendLog persists text and publishes it. The caller holds the task lock.
func (o *Orchestrator) appendLog(id int64, text string) {
	if err := o.store.AppendTaskLogs(o.bg, id, text); err != nil {
		slog.Error("append logs", "task", id, "err", err)
	}
	o.publish(id, live.LogFrame(text))
}

// markFailed moves a non-terminal task to failed. The caller holds the task
// lock.
func (o *Orchestrator) markFailed(id int64) {
	ok, err := o.store.UpdateTaskCompleted(o.bg, id, store.StatusFailed, nil)
	if err != nil {
		slog.Error("mark failed", "task", id, "err", err)
	}
	if ok {
		o.metrics.TaskFinished(string(store.StatusFailed))
	}
}

// complete records the terminal status and closes the transports. When the
// task already ended, e.g. it was stopped, the stored outcome wins. final
// overrides the end frame. The caller holds the task lock.
func (o *Orchestrator) complete(id int64, status store.Status, exitCode *int, final *live.Frame) {
	ok, err := o.store.UpdateTaskCompleted(o.bg, id, status, exitCode)
	if err != nil {
		slog.Error("complete task", "task", id, "err", err)
	}
	var f live.Frame
	switch {
	case ok:
		o.metrics.TaskFinished(string(status))
		slog.Info("task finished", "task", id, "status", status)
		f = live.EndFrame(string(status), exitCode)
		if final != nil {
			f = *final
		}
	case err == nil:
		t, err := o.store.GetTaskByID(o.bg, id)
		if err != nil {
			slog.Error("reload task", "task", id, "err", err)
			f = live.EndFrame(string(status), exitCode)
		} else {
			f = live.EndFrame(string(t.Status), t.ExitCode)
		}
	default:
		f = live.EndFrame(string(status), exitCode)
	}
	o.finish(id, f)
}

func (o *Orchestrator) publish(id int64, f live.Frame) {
	for _, p := range o.pubs {
		p.Publish(id, f)
	}
}

func (o *Orchestrator) finish(id int64, f live.Frame) {
	for _, p := range o.pubs {
		p.Finish(id, f)
	}
}

// lockTable hands out one mutex per task id. Entries are dropped when no
// goroutine holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func (l *lockTable) lock(id int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[int64]*taskLock{}
	}
	tl := l.locks[id]
	if tl == nil {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		if tl.refs--; tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *lockTable) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
