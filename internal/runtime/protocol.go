package runtime

// Sidecar wire protocol: one JSON request and one JSON response per line over
// a Unix domain socket. A connection carries a single in-flight request;
// correlation is positional, the ID field exists for log matching.

// Op is a sidecar operation name.
type Op string

const (
	OpPing        Op = "ping"
	OpBuild       Op = "build"
	OpRun         Op = "run"
	OpRemoveImage Op = "remove_image"
)

// BuildRequest carries OpBuild arguments.
type BuildRequest struct {
	ContextDir string `json:"context_dir"`
	RecipePath string `json:"recipe_path"`
	ImageTag   string `json:"image_tag"`
}

// RemoveImageRequest carries OpRemoveImage arguments.
type RemoveImageRequest struct {
	ImageTag string `json:"image_tag"`
}

// Request is one line sent to the sidecar.
type Request struct {
	ID     string              `json:"id"`
	Op     Op                  `json:"op"`
	Build  *BuildRequest       `json:"build,omitempty"`
	Run    *RunSpec            `json:"run,omitempty"`
	Remove *RemoveImageRequest `json:"remove,omitempty"`
}

// Response is one line received from the sidecar. OK distinguishes transport
// and dispatch failures from engine results; a failed build still has OK=true
// with a non-zero Result.ExitCode.
type Response struct {
	ID     string  `json:"id"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}
