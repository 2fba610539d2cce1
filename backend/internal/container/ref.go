package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/maruel/ksid"
)

// Status is the observed state of a run.
type Status string

// Run statuses.
const (
	StatusRunning Status = "running"
	StatusRemoved Status = "removed"
)

// Ref identifies a launched run so it can be stopped or probed later. ID is
// what gets persisted; ParseRef turns it back into a Ref.
type Ref interface {
	ID() string
	// Stop asks the run to exit. A run that already exited is not an error.
	Stop(ctx context.Context) error
	// Status never fails; anything that cannot be confirmed running is
	// StatusRemoved.
	Status(ctx context.Context) Status
}

const (
	pidPrefix       = "pid-"
	containerPrefix = "taskbox-"
)

// Signaler is the part of a process handle ProcessRef needs.
type Signaler interface {
	Signal(sig os.Signal) error
}

// ProcessRef refers to the local docker run process. docker proxies the
// signals it receives to the container, but a PID 1 without a SIGTERM handler
// ignores them, so Stop escalates after Grace.
type ProcessRef struct {
	PID int
	// Proc is the live handle. When nil, the process is looked up by PID.
	Proc Signaler
	// TaskID and Docker, when set, let Stop kill the task's container once
	// the grace period is over.
	TaskID int64
	Docker *Docker
	Grace  time.Duration
}

// ID implements Ref.
func (r *ProcessRef) ID() string {
	return pidPrefix + strconv.Itoa(r.PID)
}

// Stop implements Ref. It sends SIGTERM, then after Grace kills the task's
// container and the process.
func (r *ProcessRef) Stop(ctx context.Context) error {
	if err := r.signal(syscall.SIGTERM); err != nil {
		if gone(err) {
			return nil
		}
		return fmt.Errorf("stop %s: %w", r.ID(), err)
	}
	if r.waitExit(ctx) {
		return nil
	}
	var errs []error
	if r.Docker != nil && r.TaskID != 0 {
		if err := r.Docker.KillTask(ctx, r.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.signal(syscall.SIGKILL); err != nil && !gone(err) {
		errs = append(errs, fmt.Errorf("kill %s: %w", r.ID(), err))
	}
	return errors.Join(errs...)
}

// waitExit polls until the process is gone or Grace elapsed.
func (r *ProcessRef) waitExit(ctx context.Context) bool {
	timer := time.NewTimer(r.Grace)
	defer timer.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if r.signal(syscall.Signal(0)) != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-tick.C:
		}
	}
}

// Status implements Ref.
func (r *ProcessRef) Status(context.Context) Status {
	if r.signal(syscall.Signal(0)) == nil {
		return StatusRunning
	}
	return StatusRemoved
}

func (r *ProcessRef) signal(sig os.Signal) error {
	if r.Proc != nil {
		return r.Proc.Signal(sig)
	}
	p, err := os.FindProcess(r.PID)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func gone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// ContainerRef refers to a named container.
type ContainerRef struct {
	Name   string
	Docker *Docker
	// Grace is how long docker stop waits before killing.
	Grace time.Duration
}

// NewContainerName returns a fresh unique container name.
func NewContainerName() string {
	return containerPrefix + ksid.NewID().String()
}

// ID implements Ref.
func (r *ContainerRef) ID() string {
	return r.Name
}

// Stop implements Ref.
func (r *ContainerRef) Stop(ctx context.Context) error {
	return r.Docker.Stop(ctx, r.Name, r.Grace)
}

// Status implements Ref.
func (r *ContainerRef) Status(ctx context.Context) Status {
	if r.Docker.Running(ctx, r.Name) {
		return StatusRunning
	}
	return StatusRemoved
}

// IsProcessRef reports whether id refers to a local process. Such ids are
// meaningless after a restart since the pid may have been reused.
func IsProcessRef(id string) bool {
	return strings.HasPrefix(id, pidPrefix)
}

// ParseRef rebuilds a Ref from its ID.
func (d *Docker) ParseRef(id string, grace time.Duration) (Ref, error) {
	if s, ok := strings.CutPrefix(id, pidPrefix); ok {
		pid, err := strconv.Atoi(s)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid run reference %q", id)
		}
		return &ProcessRef{PID: pid, Docker: d, Grace: grace}, nil
	}
	if strings.HasPrefix(id, containerPrefix) && len(id) > len(containerPrefix) {
		return &ContainerRef{Name: id, Docker: d, Grace: grace}, nil
	}
	return nil, fmt.Errorf("invalid run reference %q", id)
}
