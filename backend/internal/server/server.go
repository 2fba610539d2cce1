// Package server provides the HTTP API: project and task endpoints, the SSE
// log stream and the terminal websocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruel/taskbox/backend/internal/auth"
	"github.com/maruel/taskbox/backend/internal/gitutil"
	"github.com/maruel/taskbox/backend/internal/live"
	"github.com/maruel/taskbox/backend/internal/metrics"
	"github.com/maruel/taskbox/backend/internal/server/dto"
	"github.com/maruel/taskbox/backend/internal/store"
	"github.com/maruel/taskbox/backend/internal/task"
)

// Options configures a Server.
type Options struct {
	Store  *store.Store
	Runner task.Launcher
	// Auth is nil when authentication is disabled.
	Auth              *auth.Verifier
	MaxConcurrentRuns int
	// Registry receives the metrics. A fresh registry with the Go and process
	// collectors is used when nil.
	Registry *prometheus.Registry
}

// Server is the HTTP server for taskbox.
type Server struct {
	store  *store.Store
	runner task.Launcher
	orch   *task.Orchestrator
	sse    *live.Broker
	ws     *live.Broker
	hub    *live.Hub
	auth   *auth.Verifier
	reg    *prometheus.Registry
}

// New wires the orchestrator and both live transports. Runs started through
// the server outlive ctx; ctx only bounds queued tasks.
func New(ctx context.Context, opts *Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s := &Server{
		store:  opts.Store,
		runner: opts.Runner,
		sse:    live.NewBroker("sse"),
		ws:     live.NewBroker("ws"),
		auth:   opts.Auth,
		reg:    reg,
	}
	s.orch = task.New(ctx, opts.Store, opts.Runner, &task.Options{
		MaxConcurrentRuns: opts.MaxConcurrentRuns,
		Publishers:        []task.Publisher{s.sse, s.ws},
		Metrics:           metrics.MustNewMetrics(reg),
	})
	s.hub = live.NewHub(s.ws, s.orch.SendInput)
	metrics.RegisterSubscribers(reg, "sse", s.sse.Total)
	metrics.RegisterSubscribers(reg, "ws", s.ws.Total)
	return s
}

// Recover fails the tasks left unfinished by a previous process. Call it
// before serving.
func (s *Server) Recover(ctx context.Context) error {
	return s.orch.Recover(ctx)
}

// Shutdown interrupts active runs and waits, bounded by ctx, for them to be
// recorded.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.orch.Shutdown(ctx)
	return errors.Join(err, s.orch.WaitContext(ctx))
}

// ListenAndServe starts the HTTP server. It returns once ctx is cancelled and
// in-flight requests drained, or the listener failed.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		// Use Background because the parent ctx is already cancelled.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx) //nolint:contextcheck // parent ctx is already cancelled at shutdown time
		shutdownCancel()
	}()
	slog.Info("listening", "addr", addr, "auth", s.auth.Enabled())
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
}

// handler returns the root handler with the middleware chain applied.
func (s *Server) handler() http.Handler {
	handlers := map[string]http.HandlerFunc{
		"listProjects":     handle(s.listProjects),
		"createProject":    handle(s.createProject),
		"getProject":       handle(s.getProject),
		"listProjectTasks": handle(s.listProjectTasks),
		"projectDiff":      handle(s.projectDiff),
		"createTask":       handleStatus(http.StatusAccepted, s.createTask),
		"getTask":          handle(s.getTask),
		"taskThread":       handle(s.taskThread),
		"followupTask":     handleStatus(http.StatusAccepted, s.followupTask),
		"stopTask":         handle(s.stopTask),
		"sendInput":        handle(s.sendInput),
		"taskLogs":         s.handleTaskLogs,
	}
	mux := http.NewServeMux()
	for _, rt := range dto.Routes {
		pattern := rt.Method + " " + rt.Path
		if rt.IsWS {
			// Authenticates itself: the token must be checked before the
			// upgrade and only the query parameter is accepted.
			mux.HandleFunc(pattern, s.handleTerminal)
			continue
		}
		h, ok := handlers[rt.Name]
		if !ok {
			panic(fmt.Sprintf("no handler for route %s", rt.Name))
		}
		mux.Handle(pattern, s.requireAuth(h))
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	// Middleware chain: logging → decompress → compress → mux.
	// Logging sees compressed bytes (accurate wire-size reporting).
	var inner http.Handler = mux
	inner = compressMiddleware(inner)
	inner = decompressMiddleware(inner)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(rw, r)
		slog.InfoContext(r.Context(), "http",
			"m", r.Method,
			"p", r.URL.Path,
			"s", rw.status,
			"d", roundDuration(time.Since(start)),
			"b", rw.size,
		)
	})
}

// requireAuth rejects requests without a valid token when authentication is
// enabled. The token is read from the Authorization header or, for clients
// that cannot set headers like EventSource, the token query parameter.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if !s.auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			tok = r.URL.Query().Get("token")
		}
		if err := s.verify(tok); err != nil {
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verify(tok string) error {
	if tok == "" {
		return dto.Unauthorized("missing token")
	}
	if _, err := s.auth.Verify(tok); err != nil {
		return dto.Unauthorized("invalid token").Wrap(err)
	}
	return nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	slog.Warn("unauthorized", "err", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="taskbox"`)
	writeError(w, err)
}

func (s *Server) listProjects(ctx context.Context, _ *dto.EmptyReq) (*[]dto.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.toProject(p))
	}
	return &out, nil
}

func (s *Server) createProject(ctx context.Context, req *dto.CreateProjectReq) (*dto.Project, error) {
	if !filepath.IsAbs(req.Path) {
		return nil, dto.BadRequest("path must be absolute").WithDetail("path", req.Path)
	}
	path := filepath.Clean(req.Path)
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return nil, dto.BadRequest("path is not a directory").WithDetail("path", path)
	}
	p, err := s.store.CreateProject(ctx, strings.TrimSpace(req.Name), path, req.Mounts)
	if err != nil {
		return nil, err
	}
	slog.Info("project created", "project", p.ID, "path", p.Path)
	out := s.toProject(p)
	return &out, nil
}

func (s *Server) getProject(ctx context.Context, req *dto.IDReq) (*dto.Project, error) {
	p, err := s.store.GetProjectByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := s.toProject(p)
	return &out, nil
}

func (s *Server) listProjectTasks(ctx context.Context, req *dto.IDReq) (*[]dto.Task, error) {
	if _, err := s.store.GetProjectByID(ctx, req.ID); err != nil {
		return nil, err
	}
	tasks, err := s.store.GetTasksByProjectID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTask(t, false))
	}
	return &out, nil
}

func (s *Server) projectDiff(ctx context.Context, req *dto.IDReq) (*dto.DiffResp, error) {
	p, err := s.store.GetProjectByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := gitutil.IsRepo(ctx, p.Path); err != nil {
		return nil, err
	}
	d, err := gitutil.WorkingTreeDiff(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	out := &dto.DiffResp{Patch: d.Patch, Stat: make([]dto.DiffFileStat, 0, len(d.Stat))}
	for _, f := range d.Stat {
		out.Stat = append(out.Stat, dto.DiffFileStat{Path: f.Path, Added: f.Added, Deleted: f.Deleted, Binary: f.Binary})
	}
	return out, nil
}

func (s *Server) createTask(ctx context.Context, req *dto.CreateTaskReq) (*dto.Task, error) {
	t, err := s.orch.CreateTask(ctx, req.ProjectID, req.Prompt)
	if err != nil {
		return nil, err
	}
	out := toTask(t, false)
	return &out, nil
}

func (s *Server) getTask(ctx context.Context, req *dto.IDReq) (*dto.Task, error) {
	t, err := s.store.GetTaskByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := toTask(t, true)
	return &out, nil
}

func (s *Server) taskThread(ctx context.Context, req *dto.IDReq) (*dto.Thread, error) {
	th, err := s.orch.Thread(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := &dto.Thread{Tasks: make([]dto.Task, 0, len(th.Tasks)), Orphaned: th.Orphaned}
	for _, t := range th.Tasks {
		out.Tasks = append(out.Tasks, toTask(t, false))
	}
	return out, nil
}

func (s *Server) followupTask(ctx context.Context, req *dto.FollowupReq) (*dto.Task, error) {
	t, err := s.orch.CreateFollowup(ctx, req.ID, req.Prompt)
	if err != nil {
		return nil, err
	}
	out := toTask(t, false)
	return &out, nil
}

func (s *Server) stopTask(ctx context.Context, req *dto.IDReq) (*dto.StatusResp, error) {
	if err := s.orch.StopTask(ctx, req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "stopped"}, nil
}

func (s *Server) sendInput(ctx context.Context, req *dto.InputReq) (*dto.StatusResp, error) {
	if err := s.orch.SendInput(ctx, req.ID, req.Text); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "sent"}, nil
}

// handleTaskLogs streams a task's output as SSE: the persisted log as one
// message, then live frames until the terminal frame.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r.PathValue("id"))
	if !ok {
		writeError(w, dto.BadRequest("invalid id"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, dto.InternalError("streaming not supported"))
		return
	}

	// Reading the log and subscribing under the task lock means no frame is
	// both in the replay and on the subscription, and none is missed.
	var t *store.Task
	var sub *live.Sub
	err := s.orch.Attach(r.Context(), id, func(got *store.Task) error {
		t = got
		if !t.Status.Terminal() {
			sub = s.sse.Subscribe(id)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if sub != nil {
		defer s.sse.Unsubscribe(id, sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, live.LogFrame(t.Logs))
	if sub == nil {
		writeFrame(w, live.EndFrame(string(t.Status), t.ExitCode))
		flusher.Flush()
		return
	}
	flusher.Flush()
	for {
		select {
		case f, ok := <-sub.C():
			if !ok {
				// Dropped for being too slow or the transport was finished
				// without a frame; the client reconnects and replays.
				return
			}
			writeFrame(w, f)
			flusher.Flush()
			if f.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, f live.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("marshal SSE frame", "err", err)
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data) //nolint:gosec // SSE stream, data is json.Marshal output
}

// handleTerminal upgrades to the terminal websocket. taskId is validated and
// the token verified before the upgrade, so a rejected client never gets a
// websocket.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ok := parseID(q.Get("taskId"))
	if !ok {
		writeError(w, dto.BadRequest("taskId must be a positive integer"))
		return
	}
	if s.auth.Enabled() {
		if err := s.verify(q.Get("token")); err != nil {
			writeUnauthorized(w, err)
			return
		}
	}
	var sub *live.Sub
	err := s.orch.Attach(r.Context(), id, func(t *store.Task) error {
		if t.Status.Terminal() {
			sub = live.Closed(live.EndFrame(string(t.Status), t.ExitCode))
		} else {
			sub = s.ws.Subscribe(id)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Serve(w, r, id, sub)
}

func (s *Server) toProject(p *store.Project) dto.Project {
	mounts := p.Mounts
	if mounts == nil {
		mounts = []string{}
	}
	return dto.Project{
		ID:        p.ID,
		Name:      p.Name,
		Path:      p.Path,
		Mounts:    mounts,
		Ready:     s.runner.TemplateExists(p.Path),
		CreatedAt: p.CreatedAt,
	}
}

func toTask(t *store.Task, withLogs bool) dto.Task {
	j := dto.Task{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		Prompt:       t.Prompt,
		Status:       string(t.Status),
		ContainerID:  t.ContainerID,
		SessionID:    t.SessionID,
		ParentTaskID: t.ParentTaskID,
		ExitCode:     t.ExitCode,
		CreatedAt:    t.CreatedAt,
	}
	if withLogs {
		j.Logs = t.Logs
	}
	if !t.CompletedAt.IsZero() {
		c := t.CompletedAt
		j.CompletedAt = &c
	}
	return j
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher so SSE handlers can flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c, brw, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil {
		rw.status = http.StatusSwitchingProtocols
	}
	return c, brw, err
}

// Unwrap returns the underlying ResponseWriter so http.NewResponseController
// can discover interfaces like http.Flusher.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// roundDuration rounds d to 3 significant digits with minimum 1us precision.
func roundDuration(d time.Duration) time.Duration {
	for t := 100 * time.Second; t >= 100*time.Microsecond; t /= 10 {
		if d >= t {
			return d.Round(t / 100)
		}
	}
	return d.Round(time.Microsecond)
}
