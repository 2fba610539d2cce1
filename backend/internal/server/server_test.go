package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maruel/taskbox/backend/internal/agent"
	"github.com/maruel/taskbox/backend/internal/auth"
	"github.com/maruel/taskbox/backend/internal/container"
	"github.com/maruel/taskbox/backend/internal/gitutil"
	"github.com/maruel/taskbox/backend/internal/live"
	"github.com/maruel/taskbox/backend/internal/runner"
	"github.com/maruel/taskbox/backend/internal/server/dto"
	"github.com/maruel/taskbox/backend/internal/store"
	"github.com/maruel/taskbox/backend/internal/task"
)

type fakeRef struct{ id string }

func (r *fakeRef) ID() string                              { return r.id }
func (r *fakeRef) Stop(context.Context) error              { return nil }
func (r *fakeRef) Status(context.Context) container.Status { return container.StatusRunning }

type fakeRun struct {
	req    *runner.StartRequest
	h      *runner.Handle
	events chan agent.Event
	once   sync.Once
}

// fakeLauncher hands out runs whose events are driven by the test.
type fakeLauncher struct {
	reg     runner.Registry
	started chan *fakeRun

	mu     sync.Mutex
	runs   map[int64]*fakeRun
	inputs []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeRun, 16), runs: map[int64]*fakeRun{}}
}

func (f *fakeLauncher) TemplateExists(string) bool { return true }

func (f *fakeLauncher) StartRun(_ context.Context, req *runner.StartRequest) (*runner.Handle, error) {
	ch := make(chan agent.Event, 16)
	ref := &fakeRef{id: "pid-" + strconv.FormatInt(4000+req.TaskID, 10)}
	h := runner.NewHandle(req.TaskID, ref, ch, func(text string) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.inputs = append(f.inputs, text)
		return true
	})
	r := &fakeRun{req: req, h: h, events: ch}
	f.mu.Lock()
	f.runs[req.TaskID] = r
	f.mu.Unlock()
	f.reg.Insert(h)
	f.started <- r
	return h, nil
}

func (f *fakeLauncher) SendInput(taskID int64, text string) bool {
	h := f.reg.Get(taskID)
	return h != nil && h.Send(text)
}

func (f *fakeLauncher) IsRunning(taskID int64) bool {
	return f.reg.IsRunning(taskID)
}

func (f *fakeLauncher) StopTask(_ context.Context, taskID int64, _ string) error {
	f.mu.Lock()
	r := f.runs[taskID]
	f.mu.Unlock()
	if r != nil {
		f.end(r, agent.Event{Kind: agent.EventEnd, ExitCode: 143})
	}
	return nil
}

func (f *fakeLauncher) end(r *fakeRun, ev agent.Event) {
	r.once.Do(func() {
		f.reg.Remove(r.h)
		r.events <- ev
		close(r.events)
	})
}

func (f *fakeLauncher) next(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case r := <-f.started:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("run not started")
		return nil
	}
}

type env struct {
	s   *Server
	st  *store.Store
	fl  *fakeLauncher
	srv *httptest.Server
	// token is sent as a Bearer header when set.
	token string
}

func newEnv(t *testing.T, secret string) *env {
	t.Helper()
	st, err := store.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fl := newFakeLauncher()
	ctx, cancel := context.WithCancel(t.Context())
	s := New(ctx, &Options{Store: st, Runner: fl, Auth: auth.New(secret), Registry: prometheus.NewRegistry()})
	srv := httptest.NewServer(s.handler())
	t.Cleanup(func() {
		cancel()
		if err := s.Shutdown(context.Background()); err != nil {
			t.Error(err)
		}
		srv.Close()
	})
	return &env{s: s, st: st, fl: fl, srv: srv}
}

func (e *env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

// doJSON calls path, checks the status and decodes the body into out.
func doJSON[T any](t *testing.T, e *env, method, path, body string, want int) *T {
	t.Helper()
	code, b := e.do(t, method, path, body)
	if code != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, code, want, b)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		t.Fatalf("%s %s: %v: %s", method, path, err, b)
	}
	return out
}

func wantError(t *testing.T, e *env, method, path, body string, status int, code dto.ErrorCode) {
	t.Helper()
	resp := doJSON[dto.ErrorResponse](t, e, method, path, body, status)
	if resp.Error.Code != code {
		t.Errorf("%s %s: code = %q, want %q (%s)", method, path, resp.Error.Code, code, resp.Error.Message)
	}
}

func (e *env) project(t *testing.T) *dto.Project {
	t.Helper()
	body := fmt.Sprintf(`{"name":"web","path":%q,"mounts":["/data:/data"]}`, t.TempDir())
	return doJSON[dto.Project](t, e, http.MethodPost, "/api/v1/projects", body, http.StatusOK)
}

// startTask creates a task and waits until its run started.
func (e *env) startTask(t *testing.T, projectID int64, prompt string) (*dto.Task, *fakeRun) {
	t.Helper()
	body := fmt.Sprintf(`{"projectId":%d,"prompt":%q}`, projectID, prompt)
	tk := doJSON[dto.Task](t, e, http.MethodPost, "/api/v1/tasks", body, http.StatusAccepted)
	r := e.fl.next(t)
	e.waitStatus(t, tk.ID, store.StatusRunning)
	return tk, r
}

func (e *env) waitStatus(t *testing.T, id int64, status store.Status) *store.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := e.st.GetTaskByID(t.Context(), id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == status && (status != store.StatusRunning || got.ContainerID != "") {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %d: status %s, want %s", id, got.Status, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// sse opens the log stream of id.
type sse struct {
	resp *http.Response
	sc   *bufio.Scanner
}

func (e *env) openLogs(t *testing.T, id int64, query string) *sse {
	t.Helper()
	url := fmt.Sprintf("%s/api/v1/tasks/%d/logs%s", e.srv.URL, id, query)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if e.token != "" && query == "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return &sse{resp: resp, sc: bufio.NewScanner(resp.Body)}
}

// next returns the next frame, or false at the end of the stream.
func (s *sse) next(t *testing.T) (live.Frame, bool) {
	t.Helper()
	for s.sc.Scan() {
		data, ok := strings.CutPrefix(s.sc.Text(), "data: ")
		if !ok {
			continue
		}
		var f live.Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("%q: %v", data, err)
		}
		return f, true
	}
	return live.Frame{}, false
}

func (s *sse) rest(t *testing.T) []live.Frame {
	t.Helper()
	var out []live.Frame
	for {
		f, ok := s.next(t)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestRoutesHaveHandlers(t *testing.T) {
	e := newEnv(t, "")
	for _, rt := range dto.Routes {
		if rt.IsSSE || rt.IsWS || rt.Method != http.MethodGet {
			continue
		}
		path := strings.ReplaceAll(rt.Path, "{id}", "999")
		code, b := e.do(t, rt.Method, path, "")
		if code == http.StatusNotFound && strings.Contains(string(b), "404 page not found") {
			t.Errorf("%s %s is not routed", rt.Method, rt.Path)
		}
	}
}

func TestProjects(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	if p.ID == 0 || p.Name != "web" || !p.Ready || len(p.Mounts) != 1 {
		t.Errorf("created %+v", p)
	}
	got := doJSON[dto.Project](t, e, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", p.ID), "", http.StatusOK)
	if got.Path != p.Path {
		t.Errorf("got %+v", got)
	}
	all := doJSON[[]dto.Project](t, e, http.MethodGet, "/api/v1/projects", "", http.StatusOK)
	if len(*all) != 1 {
		t.Errorf("list = %+v", *all)
	}
	tasks := doJSON[[]dto.Task](t, e, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/tasks", p.ID), "", http.StatusOK)
	if len(*tasks) != 0 {
		t.Errorf("tasks = %+v", *tasks)
	}

	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   dto.ErrorCode
	}{
		{"RelativePath", "POST", "/api/v1/projects", `{"name":"x","path":"src/x"}`, 400, dto.CodeBadRequest},
		{"NotDir", "POST", "/api/v1/projects", fmt.Sprintf(`{"name":"x","path":%q}`, file), 400, dto.CodeBadRequest},
		{"NoName", "POST", "/api/v1/projects", `{"path":"/tmp"}`, 400, dto.CodeBadRequest},
		{"BadMount", "POST", "/api/v1/projects", `{"name":"x","path":"/tmp","mounts":["/data"]}`, 400, dto.CodeBadRequest},
		{"UnknownField", "POST", "/api/v1/projects", `{"name":"x","path":"/tmp","image":"y"}`, 400, dto.CodeBadRequest},
		{"Duplicate", "POST", "/api/v1/projects", fmt.Sprintf(`{"name":"again","path":%q}`, p.Path), 409, dto.CodeConflict},
		{"Missing", "GET", "/api/v1/projects/999", "", 404, dto.CodeNotFound},
		{"BadID", "GET", "/api/v1/projects/abc", "", 400, dto.CodeBadRequest},
		{"MissingTasks", "GET", "/api/v1/projects/999/tasks", "", 404, dto.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantError(t, e, tt.method, tt.path, tt.body, tt.status, tt.code)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	tk, r := e.startTask(t, p.ID, "list files")
	if tk.Status != "pending" || tk.Prompt != "list files" {
		t.Errorf("created %+v", tk)
	}
	if r.req.ProjectPath != p.Path || r.req.Mounts[0] != "/data:/data" {
		t.Errorf("request %+v", r.req)
	}

	logs := e.openLogs(t, tk.ID, "")
	if f, _ := logs.next(t); f.Type != live.FrameLog || f.Data != "" {
		t.Fatalf("replay = %+v", f)
	}
	r.events <- agent.Event{Kind: agent.EventSession, SessionID: "s1"}
	r.events <- agent.Event{Kind: agent.EventLog, Text: "I will list the files\n"}
	r.events <- agent.Event{Kind: agent.EventLog, Text: "[Tool: Bash]\n"}
	e.fl.end(r, agent.Event{Kind: agent.EventEnd, ExitCode: 0})

	got := logs.rest(t)
	zero := 0
	want := []live.Frame{
		live.SessionFrame("s1"),
		live.LogFrame("I will list the files\n"),
		live.LogFrame("[Tool: Bash]\n"),
		live.EndFrame("completed", &zero),
	}
	if len(got) != len(want) {
		t.Fatalf("frames = %+v", got)
	}
	for i := range want {
		if got[i].Type != want[i].Type || got[i].Data != want[i].Data || got[i].SessionID != want[i].SessionID || got[i].Status != want[i].Status {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	e.waitStatus(t, tk.ID, store.StatusCompleted)
	final := doJSON[dto.Task](t, e, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", tk.ID), "", http.StatusOK)
	if final.Status != "completed" || final.SessionID != "s1" || final.ExitCode == nil || *final.ExitCode != 0 ||
		final.Logs != "I will list the files\n[Tool: Bash]\n" || final.CompletedAt == nil || final.ContainerID == "" {
		t.Errorf("final %+v", final)
	}
	list := doJSON[[]dto.Task](t, e, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/tasks", p.ID), "", http.StatusOK)
	if len(*list) != 1 || (*list)[0].Logs != "" {
		t.Errorf("list %+v", *list)
	}

	t.Run("ReplayAfterCompletion", func(t *testing.T) {
		got := e.openLogs(t, tk.ID, "").rest(t)
		if len(got) != 2 {
			t.Fatalf("frames = %+v", got)
		}
		if got[0].Type != live.FrameLog || got[0].Data != "I will list the files\n[Tool: Bash]\n" {
			t.Errorf("replay = %+v", got[0])
		}
		if got[1].Type != live.FrameEnd || got[1].Status != "completed" || got[1].ExitCode == nil || *got[1].ExitCode != 0 {
			t.Errorf("end = %+v", got[1])
		}
	})

	t.Run("Followup", func(t *testing.T) {
		body := `{"prompt":"now count them"}`
		fu := doJSON[dto.Task](t, e, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/followup", tk.ID), body, http.StatusAccepted)
		if fu.ParentTaskID != tk.ID {
			t.Errorf("followup %+v", fu)
		}
		r := e.fl.next(t)
		if r.req.ResumeSessionID != "s1" {
			t.Errorf("resume = %q", r.req.ResumeSessionID)
		}
		th := doJSON[dto.Thread](t, e, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/thread", fu.ID), "", http.StatusOK)
		if len(th.Tasks) != 2 || th.Tasks[0].ID != tk.ID || th.Tasks[1].ID != fu.ID || th.Orphaned {
			t.Errorf("thread %+v", th)
		}
	})
}

func TestTaskErrors(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	tk, r := e.startTask(t, p.ID, "hi")
	e.fl.end(r, agent.Event{Kind: agent.EventEnd, ExitCode: 1})
	e.waitStatus(t, tk.ID, store.StatusFailed)
	id := strconv.FormatInt(tk.ID, 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   dto.ErrorCode
	}{
		{"EmptyPrompt", "POST", "/api/v1/tasks", fmt.Sprintf(`{"projectId":%d,"prompt":"  "}`, p.ID), 400, dto.CodeBadRequest},
		{"NoProject", "POST", "/api/v1/tasks", `{"projectId":999,"prompt":"x"}`, 404, dto.CodeNotFound},
		{"BadJSON", "POST", "/api/v1/tasks", `{"projectId":`, 400, dto.CodeBadRequest},
		{"GetMissing", "GET", "/api/v1/tasks/999", "", 404, dto.CodeNotFound},
		{"ThreadMissing", "GET", "/api/v1/tasks/999/thread", "", 404, dto.CodeNotFound},
		{"FollowupNoSession", "POST", "/api/v1/tasks/" + id + "/followup", `{"prompt":"more"}`, 409, dto.CodeConflict},
		{"FollowupMissing", "POST", "/api/v1/tasks/999/followup", `{"prompt":"more"}`, 404, dto.CodeNotFound},
		{"StopFinished", "POST", "/api/v1/tasks/" + id + "/stop", "", 409, dto.CodeConflict},
		{"InputFinished", "POST", "/api/v1/tasks/" + id + "/input", `{"text":"y"}`, 409, dto.CodeConflict},
		{"InputEmpty", "POST", "/api/v1/tasks/" + id + "/input", `{"text":""}`, 400, dto.CodeBadRequest},
		{"LogsMissing", "GET", "/api/v1/tasks/999/logs", "", 404, dto.CodeNotFound},
		{"LogsBadID", "GET", "/api/v1/tasks/0/logs", "", 400, dto.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantError(t, e, tt.method, tt.path, tt.body, tt.status, tt.code)
		})
	}
}

func TestInputAndStop(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	tk, _ := e.startTask(t, p.ID, "ask me")
	path := fmt.Sprintf("/api/v1/tasks/%d", tk.ID)
	a := e.openLogs(t, tk.ID, "")
	b := e.openLogs(t, tk.ID, "")
	a.next(t)
	b.next(t)

	resp := doJSON[dto.StatusResp](t, e, http.MethodPost, path+"/input", `{"text":"yes"}`, http.StatusOK)
	if resp.Status != "sent" {
		t.Errorf("input = %+v", resp)
	}
	e.fl.mu.Lock()
	inputs := strings.Join(e.fl.inputs, ",")
	e.fl.mu.Unlock()
	if inputs != "yes" {
		t.Errorf("inputs = %q", inputs)
	}

	resp = doJSON[dto.StatusResp](t, e, http.MethodPost, path+"/stop", "", http.StatusOK)
	if resp.Status != "stopped" {
		t.Errorf("stop = %+v", resp)
	}
	fa, fb := a.rest(t), b.rest(t)
	if len(fa) != len(fb) {
		t.Fatalf("subscribers diverged:\n%+v\n%+v", fa, fb)
	}
	for i := range fa {
		if fa[i].Type != fb[i].Type || fa[i].Data != fb[i].Data {
			t.Errorf("frame %d: %+v != %+v", i, fa[i], fb[i])
		}
	}
	if len(fa) != 3 || fa[0].Data != "yes\n" || fa[1].Data != "[stopped by user]\n" || fa[2].Type != live.FrameEnd || fa[2].Status != "failed" {
		t.Errorf("frames = %+v", fa)
	}

	final := e.waitStatus(t, tk.ID, store.StatusFailed)
	if final.Logs != "yes\n[stopped by user]\n" {
		t.Errorf("logs = %q", final.Logs)
	}
	wantError(t, e, http.MethodPost, path+"/input", `{"text":"again"}`, http.StatusConflict, dto.CodeConflict)
	wantError(t, e, http.MethodPost, path+"/stop", "", http.StatusConflict, dto.CodeConflict)
}

func dialTerminal(e *env, query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/terminal" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestTerminal(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	tk, r := e.startTask(t, p.ID, "go")

	conn, resp, err := dialTerminal(e, fmt.Sprintf("?taskId=%d", tk.ID))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	if err := conn.WriteJSON(map[string]string{"type": "input", "data": "hello"}); err != nil {
		t.Fatal(err)
	}
	var f live.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != live.FrameLog || f.Data != "hello\n" {
		t.Errorf("echo = %+v", f)
	}
	e.fl.end(r, agent.Event{Kind: agent.EventEnd, ExitCode: 0})
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != live.FrameEnd || f.Status != "completed" {
		t.Errorf("end = %+v", f)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want normal close", err)
	}
	e.waitStatus(t, tk.ID, store.StatusCompleted)

	t.Run("Finished", func(t *testing.T) {
		conn, resp, err := dialTerminal(e, fmt.Sprintf("?taskId=%d", tk.ID))
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		defer func() { _ = conn.Close() }()
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var f live.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatal(err)
		}
		if f.Type != live.FrameEnd || f.Status != "completed" {
			t.Errorf("frame = %+v", f)
		}
	})
	for _, tt := range []struct {
		name   string
		query  string
		status int
	}{
		{"NoTaskID", "", http.StatusBadRequest},
		{"BadTaskID", "?taskId=-3", http.StatusBadRequest},
		{"Unknown", "?taskId=999", http.StatusNotFound},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dialTerminal(e, tt.query)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("err = %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	const secret = "s3cret"
	e := newEnv(t, secret)
	tok, err := auth.New(secret).Sign("me", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := auth.New("other").Sign("me", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	wantError(t, e, http.MethodGet, "/api/v1/projects", "", http.StatusUnauthorized, dto.CodeUnauthorized)
	e.token = forged
	wantError(t, e, http.MethodGet, "/api/v1/projects", "", http.StatusUnauthorized, dto.CodeUnauthorized)
	e.token = tok
	doJSON[[]dto.Project](t, e, http.MethodGet, "/api/v1/projects", "", http.StatusOK)
	p := e.project(t)
	tk, _ := e.startTask(t, p.ID, "secure")

	t.Run("SSEQueryToken", func(t *testing.T) {
		logs := e.openLogs(t, tk.ID, "?token="+tok)
		if f, ok := logs.next(t); !ok || f.Type != live.FrameLog {
			t.Errorf("replay = %+v", f)
		}
	})
	t.Run("Terminal", func(t *testing.T) {
		for _, q := range []string{"", "&token=", "&token=" + forged} {
			_, resp, err := dialTerminal(e, fmt.Sprintf("?taskId=%d%s", tk.ID, q))
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("%q: err = %v", q, err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("%q: status = %d", q, resp.StatusCode)
			}
		}
		conn, resp, err := dialTerminal(e, fmt.Sprintf("?taskId=%d&token=%s", tk.ID, tok))
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		_ = conn.Close()
	})
	t.Run("MetricsOpen", func(t *testing.T) {
		e := *e
		e.token = ""
		if code, _ := e.do(t, http.MethodGet, "/metrics", ""); code != http.StatusOK {
			t.Errorf("status = %d", code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	tk, r := e.startTask(t, p.ID, "count")
	e.openLogs(t, tk.ID, "").next(t)
	code, b := e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{
		"taskbox_runs_started_total 1",
		"taskbox_runs_active 1",
		`taskbox_subscribers{transport="sse"} 1`,
		`taskbox_subscribers{transport="ws"} 0`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("%q missing from:\n%s", want, b)
		}
	}
	e.fl.end(r, agent.Event{Kind: agent.EventEnd, ExitCode: 0})
	e.waitStatus(t, tk.ID, store.StatusCompleted)
}

func TestProjectDiff(t *testing.T) {
	e := newEnv(t, "")
	p := e.project(t)
	path := fmt.Sprintf("/api/v1/projects/%d/diff", p.ID)
	wantError(t, e, http.MethodGet, path, "", http.StatusBadRequest, dto.CodeBadRequest)

	for _, args := range [][]string{
		{"init", "--initial-branch=main"},
		{"-c", "user.name=Test", "-c", "user.email=test@test", "commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.CommandContext(t.Context(), "git", args...) //nolint:gosec // test helper, args are constant.
		cmd.Dir = p.Path
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	d := doJSON[dto.DiffResp](t, e, http.MethodGet, path, "", http.StatusOK)
	if d.Patch != "" || len(d.Stat) != 0 {
		t.Errorf("clean diff = %+v", d)
	}
	if err := os.WriteFile(filepath.Join(p.Path, "main.go"), []byte("package main\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := exec.CommandContext(t.Context(), "git", "add", "main.go")
	cmd.Dir = p.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}
	d = doJSON[dto.DiffResp](t, e, http.MethodGet, path, "", http.StatusOK)
	if len(d.Stat) != 1 || d.Stat[0] != (dto.DiffFileStat{Path: "main.go", Added: 1}) || !strings.Contains(d.Patch, "+package main") {
		t.Errorf("diff = %+v", d)
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{fmt.Errorf("task 3: %w", store.ErrNotFound), 404, "task 3 not found"},
		{fmt.Errorf("%w: Dockerfile not found", task.ErrSetupIncomplete), 400, ""},
		{task.ErrInvalidPrompt, 400, "prompt is required"},
		{fmt.Errorf("/x: %w", gitutil.ErrNotRepo), 400, ""},
		{task.ErrNotRunning, 409, "task is not running"},
		{task.ErrNoProcess, 409, ""},
		{task.ErrNoSessionToResume, 409, ""},
		{fmt.Errorf("project /x: %w", store.ErrExists), 409, ""},
		{dto.Conflict("busy"), 409, "busy"},
		{errors.New("disk on fire"), 500, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := toAPIError(tt.err)
			if got.StatusCode() != tt.status {
				t.Errorf("status = %d, want %d", got.StatusCode(), tt.status)
			}
			if tt.msg != "" && got.Response().Error.Message != tt.msg {
				t.Errorf("message = %q, want %q", got.Response().Error.Message, tt.msg)
			}
		})
	}
}

func TestRoundDuration(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{1234567 * time.Nanosecond, 1230 * time.Microsecond},
		{1500 * time.Nanosecond, 2 * time.Microsecond},
		{12345 * time.Millisecond, 12300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := roundDuration(tt.in); got != tt.want {
			t.Errorf("roundDuration(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
