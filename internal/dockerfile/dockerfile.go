// Package dockerfile emits reproducible build recipes for function images.
// Both generators are pure functions of their parameters and perform no I/O.
package dockerfile

import (
	"fmt"
	"strings"
)

// RecipeFileName is the well-known recipe name written into build contexts.
const RecipeFileName = "Dockerfile"

// Params parameterize recipe generation.
type Params struct {
	BuildImage    string // e.g. "dart:stable"
	RuntimeImage  string // e.g. "debian:bookworm-slim"
	BuildStageTag string // alias of the build stage, e.g. "build"
}

func (p Params) withDefaults() Params {
	if p.BuildImage == "" {
		p.BuildImage = "dart:stable"
	}
	if p.RuntimeImage == "" {
		p.RuntimeImage = "debian:bookworm-slim"
	}
	if p.BuildStageTag == "" {
		p.BuildStageTag = "build"
	}
	return p
}

// Generate emits the two-stage production recipe: resolve dependencies and
// compile a self-contained executable in the build stage, copy only the
// executable into the runtime stage, run from the shared-volume mount point.
func Generate(p Params) string {
	p = p.withDefaults()
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s AS %s\n", p.BuildImage, p.BuildStageTag)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY pubspec.* ./\n")
	b.WriteString("RUN dart pub get\n")
	b.WriteString("COPY . .\n")
	b.WriteString("RUN dart pub get --offline\n")
	b.WriteString("RUN dart compile exe main.dart -o /app/function\n")
	b.WriteString("\n")
	fmt.Fprintf(&b, "FROM %s\n", p.RuntimeImage)
	fmt.Fprintf(&b, "COPY --from=%s /app/function /usr/local/bin/function\n", p.BuildStageTag)
	b.WriteString("WORKDIR /workspace\n")
	b.WriteString("ENTRYPOINT [\"/usr/local/bin/function\"]\n")

	return b.String()
}

// GenerateDev emits the single-stage development recipe that runs under the
// interpreter, used by tests and local iteration.
func GenerateDev(p Params) string {
	p = p.withDefaults()
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n", p.BuildImage)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY pubspec.* ./\n")
	b.WriteString("RUN dart pub get\n")
	b.WriteString("COPY . .\n")
	b.WriteString("WORKDIR /workspace\n")
	b.WriteString("ENTRYPOINT [\"dart\", \"run\", \"/app/main.dart\"]\n")

	return b.String()
}
