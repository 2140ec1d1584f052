package transport

import (
	"fmt"
	"strings"

	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
	"github.com/meshgate/toolgateway/pkg/logger"
)

// defaultSandboxImage is used when a template's sandbox spec omits Image.
// Node is the common runtime for the gateway's tool templates.
const defaultSandboxImage = "node:20-alpine"

// ContainerAdapter enforces the sandbox policy by rewriting a stdio
// template's command into a `docker run --read-only --network=none`
// invocation before delegating to the same process-supervision machinery
// as StdioAdapter. No existing teacher/pack file runs a sandboxed child
// process; this wraps the stdio adapter's public contract the way
// infrastructure/resilience's CircuitBreaker wraps an inner call with a
// stricter precondition rather than reimplementing transport from scratch.
type ContainerAdapter struct {
	*StdioAdapter
}

// NewContainerAdapter rewrites t's command into a docker invocation and
// returns an adapter with the same Adapter surface as StdioAdapter. It
// returns a PolicyViolation error, and no adapter, if t.WorkingDirectory
// falls outside t.Sandbox.AllowedVolumeRoots; Connect() itself performs no
// volume check.
func NewContainerAdapter(t store.Template, log *logger.Logger) (*ContainerAdapter, error) {
	if t.Command == "" {
		return nil, gwerrors.New(gwerrors.BadInput, "sandboxed template must declare a command")
	}

	sandboxed, err := rewriteForContainer(t)
	if err != nil {
		return nil, err
	}
	return &ContainerAdapter{StdioAdapter: NewStdioAdapter(sandboxed, log)}, nil
}

func rewriteForContainer(t store.Template) (store.Template, error) {
	roots := allowedVolumeRoots(t)
	if t.WorkingDirectory != "" && !withinAllowedRoots(t.WorkingDirectory, roots) {
		return store.Template{}, gwerrors.New(gwerrors.PolicyViolation,
			fmt.Sprintf("working directory %q is outside the allowed volume roots", t.WorkingDirectory))
	}

	image := defaultSandboxImage
	if t.Sandbox != nil && t.Sandbox.Image != "" {
		image = t.Sandbox.Image
	}

	args := []string{
		"run", "--rm", "-i",
		"--read-only",
		"--network=none",
	}
	for _, root := range roots {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", root, root))
	}
	if t.WorkingDirectory != "" {
		args = append(args, "-w", t.WorkingDirectory)
	}
	args = append(args, image, t.Command)
	args = append(args, t.Args...)

	out := t.Clone()
	out.Command = "docker"
	out.Args = args
	return out, nil
}

func allowedVolumeRoots(t store.Template) []string {
	if t.Sandbox == nil {
		return nil
	}
	return t.Sandbox.AllowedVolumeRoots
}

func withinAllowedRoots(dir string, roots []string) bool {
	if len(roots) == 0 {
		return false
	}
	for _, root := range roots {
		if dir == root || strings.HasPrefix(dir, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}
