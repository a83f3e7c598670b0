// Package runtime is the container runtime port: a uniform interface over a
// daemonless container engine with two interchangeable backends, one spawning
// the engine's CLI directly and one speaking to an out-of-process sidecar.
package runtime

import (
	"context"
)

// ExitTimeout is the distinguished exit code returned when the runtime had to
// kill the container at the invocation deadline. Exit codes below zero are
// platform failures; above zero are user failures.
const ExitTimeout = -1

// Network selects the container network namespace.
type Network string

const (
	NetworkNone Network = "none"
	NetworkHost Network = "host"
)

// Mount is a single bind or named-volume mount. Flags carry the engine's
// propagation/relabel options, e.g. "z,shared": the mount must be visible to
// processes in the container and the host must permit re-entry of sub-mounts.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Flags  string `json:"flags,omitempty"`
}

// RunSpec describes one container execution that runs to completion.
type RunSpec struct {
	ImageTag      string            `json:"image_tag"`
	ContainerName string            `json:"container_name"`
	Env           map[string]string `json:"env,omitempty"`
	Mounts        []Mount           `json:"mounts,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	Network       Network           `json:"network,omitempty"`
	CPULimit      float64           `json:"cpu_limit,omitempty"`
	MemoryLimitMB int               `json:"memory_limit_mb,omitempty"`
	TimeoutMS     int64             `json:"timeout_ms,omitempty"`
}

// Result is the outcome of a build or run.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// TimedOut reports whether the run was killed at its deadline.
func (r *Result) TimedOut() bool { return r.ExitCode == ExitTimeout }

// Runtime is the capability set the rest of the engine depends on.
type Runtime interface {
	// Build builds contextDir with the recipe at recipePath into imageTag.
	// May take minutes. Build failures are returned as a Result with a
	// non-zero exit code, not as an error.
	Build(ctx context.Context, contextDir, recipePath, imageTag string) (*Result, error)

	// Run executes spec to completion. On timeout the container is killed
	// and the Result carries ExitTimeout.
	Run(ctx context.Context, spec *RunSpec) (*Result, error)

	// RemoveImage removes imageTag. Idempotent; a missing image is not an
	// error.
	RemoveImage(ctx context.Context, imageTag string) error

	// Available is a cheap probe. Implementations return false on any
	// transport error rather than an error.
	Available(ctx context.Context) bool
}
