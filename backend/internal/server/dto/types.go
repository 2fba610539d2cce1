// Exported request and response types for the taskbox API.
package dto

import (
	"strings"
	"time"
)

// Validatable is implemented by every request type.
type Validatable interface {
	Validate() error
}

// Project is the JSON representation of a registered project.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Mounts    []string  `json:"mounts"`
	Ready     bool      `json:"ready"` // The isolation template exists.
	CreatedAt time.Time `json:"createdAt"`
}

// Task is the JSON representation of a task. Logs are only included by
// GET /api/v1/tasks/{id}.
type Task struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"projectId"`
	Prompt       string     `json:"prompt"`
	Status       string     `json:"status"`
	ContainerID  string     `json:"containerId,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	ParentTaskID int64      `json:"parentTaskId,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	Logs         string     `json:"logs,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Thread is a follow-up chain, root first.
type Thread struct {
	Tasks []Task `json:"tasks"`
	// Orphaned is set when an ancestor was deleted.
	Orphaned bool `json:"orphaned,omitempty"`
}

// StatusResp is a common response for mutation endpoints.
type StatusResp struct {
	Status string `json:"status"`
}

// DiffFileStat describes changes to a single file.
type DiffFileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary,omitempty"`
}

// DiffResp is the response for GET /api/v1/projects/{id}/diff.
type DiffResp struct {
	Patch string         `json:"patch"`
	Stat  []DiffFileStat `json:"stat"`
}

// EmptyReq is used for endpoints that take no request body.
type EmptyReq struct{}

// Validate implements Validatable.
func (*EmptyReq) Validate() error { return nil }

// IDReq carries the {id} path parameter.
type IDReq struct {
	ID int64 `json:"-" path:"id"`
}

// Validate implements Validatable.
func (r *IDReq) Validate() error {
	if r.ID <= 0 {
		return BadRequest("invalid id")
	}
	return nil
}

// CreateProjectReq is the request body for POST /api/v1/projects.
type CreateProjectReq struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Mounts []string `json:"mounts,omitempty"`
}

// Validate implements Validatable.
func (r *CreateProjectReq) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return BadRequest("name is required")
	}
	if r.Path == "" {
		return BadRequest("path is required")
	}
	for _, m := range r.Mounts {
		host, ctr, ok := strings.Cut(m, ":")
		if !ok || host == "" || ctr == "" {
			return BadRequest("mount must be host:container").WithDetail("mount", m)
		}
	}
	return nil
}

// CreateTaskReq is the request body for POST /api/v1/tasks.
type CreateTaskReq struct {
	ProjectID int64  `json:"projectId"`
	Prompt    string `json:"prompt"`
}

// Validate implements Validatable.
func (r *CreateTaskReq) Validate() error {
	if r.ProjectID <= 0 {
		return BadRequest("projectId is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return BadRequest("prompt is required")
	}
	return nil
}

// FollowupReq is the request body for POST /api/v1/tasks/{id}/followup.
type FollowupReq struct {
	ID     int64  `json:"-" path:"id"`
	Prompt string `json:"prompt"`
}

// Validate implements Validatable.
func (r *FollowupReq) Validate() error {
	if r.ID <= 0 {
		return BadRequest("invalid id")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return BadRequest("prompt is required")
	}
	return nil
}

// InputReq is the request body for POST /api/v1/tasks/{id}/input.
type InputReq struct {
	ID   int64  `json:"-" path:"id"`
	Text string `json:"text"`
}

// Validate implements Validatable.
func (r *InputReq) Validate() error {
	if r.ID <= 0 {
		return BadRequest("invalid id")
	}
	if r.Text == "" {
		return BadRequest("text is required")
	}
	return nil
}
