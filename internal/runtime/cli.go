package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/dartcloud/dartcloud/internal/logging"
)

const (
	defaultProbeTimeout = 3 * time.Second
	killGracePeriod     = 5 * time.Second
)

// CLI runs the podman CLI as a subprocess per operation.
type CLI struct {
	// Binary is the engine CLI, "podman" by default.
	Binary string
}

// NewCLI returns the CLI-backed runtime port.
func NewCLI() *CLI {
	return &CLI{Binary: "podman"}
}

func (c *CLI) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "podman"
}

// Build builds the image. Engine-level failures (binary missing) are errors;
// build failures surface in the Result.
func (c *CLI) Build(ctx context.Context, contextDir, recipePath, imageTag string) (*Result, error) {
	args := []string{"build", "--file", recipePath, "--tag", imageTag, contextDir}

	logging.Op().Debug("container build", "image", imageTag, "context", contextDir)
	return c.execute(ctx, args)
}

// Run executes the container to completion, enforcing spec.TimeoutMS with a
// watchdog that terminates the subprocess and then kills the container by its
// deterministic name.
func (c *CLI) Run(ctx context.Context, spec *RunSpec) (*Result, error) {
	args := runArgs(spec)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	logging.Op().Debug("container run", "image", spec.ImageTag, "name", spec.ContainerName)
	res, err := c.execute(runCtx, args)
	if runCtx.Err() == context.DeadlineExceeded {
		// The subprocess was terminated; the container may still be up.
		c.killContainer(spec.ContainerName)
		return &Result{ExitCode: ExitTimeout, Stderr: "killed: deadline exceeded"}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RemoveImage removes the image; a missing image is not an error.
func (c *CLI) RemoveImage(ctx context.Context, imageTag string) error {
	res, err := c.execute(ctx, []string{"rmi", "--force", imageTag})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !isImageMissing(res.Stderr) {
		return fmt.Errorf("remove image %s: %s", imageTag, firstLine(res.Stderr))
	}
	return nil
}

// Available probes the engine with a short deadline.
func (c *CLI) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	return exec.CommandContext(probeCtx, c.binary(), "version").Run() == nil
}

// execute runs the CLI and captures stdout/stderr. A non-zero exit is not an
// error; only failures to launch the subprocess are.
func (c *CLI) execute(ctx context.Context, args []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("%s %s: %w", c.binary(), args[0], err)
}

// killContainer stops a container left behind after the subprocess was
// terminated at the deadline. Best effort.
func (c *CLI) killContainer(name string) {
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), killGracePeriod)
	defer cancel()

	exec.CommandContext(ctx, c.binary(), "kill", name).Run()
	exec.CommandContext(ctx, c.binary(), "rm", "--force", name).Run()
}

// runArgs constructs the podman run argument list for spec.
func runArgs(spec *RunSpec) []string {
	args := []string{"run", "--rm"}

	if spec.ContainerName != "" {
		args = append(args, "--name", spec.ContainerName)
	}
	network := spec.Network
	if network == "" {
		network = NetworkNone
	}
	args = append(args, "--network", string(network))

	if spec.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", spec.CPULimit))
	}
	if spec.MemoryLimitMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryLimitMB))
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.Flags != "" {
			v += ":" + m.Flags
		}
		args = append(args, "--volume", v)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}

	// Deterministic env ordering keeps argument lists reproducible.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+spec.Env[k])
	}

	return append(args, spec.ImageTag)
}

func isImageMissing(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "image not known") ||
		strings.Contains(s, "no such image") ||
		strings.Contains(s, "not found")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
