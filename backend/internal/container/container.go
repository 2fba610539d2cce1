// Package container builds per-project agent images and launches isolated
// runs with the docker CLI.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Isolation template location, relative to the project root.
const (
	TemplateDir  = ".taskbox"
	TemplateFile = "Dockerfile"
)

// Paths inside the container.
const (
	WorkspaceDir   = "/workspace"
	CredentialsDir = "/home/agent/.claude"
)

// TaskLabel is the docker label carrying the task id.
const TaskLabel = "taskbox.task"

// ErrBuildFailed is matched by every *BuildError.
var ErrBuildFailed = errors.New("image build failed")

// BuildError carries the verbatim output of a failed docker build.
type BuildError struct {
	Image  string
	Output string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed:\n%s", e.Image, e.Output)
}

// Is implements errors.Is.
func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}

// TemplatePath returns the isolation template path of a project.
func TemplatePath(projectPath string) string {
	return filepath.Join(projectPath, TemplateDir, TemplateFile)
}

// TemplateExists reports whether the project has an isolation template.
func TemplateExists(projectPath string) bool {
	fi, err := os.Stat(TemplatePath(projectPath))
	return err == nil && fi.Mode().IsRegular()
}

// ImageName returns the image tag of a project.
func ImageName(projectID int64) string {
	return "taskbox-project-" + strconv.FormatInt(projectID, 10)
}

// Docker shells out to the docker CLI.
type Docker struct {
	// Bin is the docker executable; defaults to "docker".
	Bin string
}

func (d *Docker) bin() string {
	if d == nil || d.Bin == "" {
		return "docker"
	}
	return d.Bin
}

// ImageExists reports whether image is present locally.
func (d *Docker) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, d.bin(), "image", "inspect", "--format", "{{.Id}}", image) //nolint:gosec // image is derived from a project id.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("docker image inspect %s: %w: %s", image, err, stderr.String())
	}
	return true, nil
}

// Build builds image from the project's isolation template. The template
// directory is the build context.
func (d *Docker) Build(ctx context.Context, image, projectPath string) error {
	dir := filepath.Join(projectPath, TemplateDir)
	cmd := exec.CommandContext(ctx, d.bin(), "build", "-t", image, "-f", filepath.Join(dir, TemplateFile), dir) //nolint:gosec // paths come from the project store.
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("docker build %s: %w", image, err)
		}
		return &BuildError{Image: image, Output: string(out)}
	}
	return nil
}

// RunSpec describes one isolated run.
type RunSpec struct {
	TaskID      int64
	Image       string
	ProjectPath string
	// Name is the container name. Empty leaves naming to docker.
	Name string
	// CredentialsDir is mounted read-write at CredentialsDir when set.
	CredentialsDir string
	// APIKey is passed as ANTHROPIC_API_KEY through the docker process
	// environment so the value never appears in argv.
	APIKey string
	// Mounts are extra "host:container" bind mounts, mounted read-only.
	Mounts []string
	// Command is the command run inside the container.
	Command []string
}

// RunArgs returns the docker run arguments for spec.
func RunArgs(spec *RunSpec) []string {
	args := []string{"run", "--rm", "-i", "--label", TaskLabel + "=" + strconv.FormatInt(spec.TaskID, 10)}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	args = append(args, "-v", spec.ProjectPath+":"+WorkspaceDir, "-w", WorkspaceDir)
	if spec.CredentialsDir != "" {
		args = append(args, "-v", spec.CredentialsDir+":"+CredentialsDir)
	}
	if spec.APIKey != "" {
		args = append(args, "-e", "ANTHROPIC_API_KEY")
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m+":ro")
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// Command returns an unstarted docker run command for spec. Its lifetime is
// not bound to a context; stop it through a Ref.
func (d *Docker) Command(spec *RunSpec) *exec.Cmd {
	cmd := exec.Command(d.bin(), RunArgs(spec)...) //nolint:gosec,noctx // args are built by RunArgs.
	if spec.APIKey != "" {
		cmd.Env = append(os.Environ(), "ANTHROPIC_API_KEY="+spec.APIKey)
	}
	return cmd
}

// Stop stops a container, waiting up to grace before killing it. A
// container that no longer exists is not an error.
func (d *Docker) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	cmd := exec.CommandContext(ctx, d.bin(), "stop", "--time", strconv.Itoa(secs), name) //nolint:gosec // name is generated by NewContainerName.
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker stop %s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return nil
}

// KillTask kills every container labelled with the task id. It is used when
// the docker run client was killed, which leaves its container behind.
func (d *Docker) KillTask(ctx context.Context, taskID int64) error {
	filter := "label=" + TaskLabel + "=" + strconv.FormatInt(taskID, 10)
	out, err := exec.CommandContext(ctx, d.bin(), "ps", "-q", "--filter", filter).Output() //nolint:gosec // filter is built from an int.
	if err != nil {
		return fmt.Errorf("docker ps %s: %w", filter, err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil
	}
	out, err = exec.CommandContext(ctx, d.bin(), append([]string{"kill"}, ids...)...).CombinedOutput() //nolint:gosec // ids come from docker ps.
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker kill %s: %w: %s", filter, err, bytes.TrimSpace(out))
	}
	return nil
}

// Running reports whether the container is running. Any failure, including
// an unknown container, reports false.
func (d *Docker) Running(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, d.bin(), "inspect", "--format", "{{.State.Running}}", name) //nolint:gosec // name is generated by NewContainerName.
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}
