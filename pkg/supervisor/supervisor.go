package supervisor

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// Supervisor is the Container Supervisor facade (component C). It
// dispatches each operation to the engine backing an agent's kind:
// sandboxEngine for function-sandboxed, containerEngine for everything
// else. Deployment Controller and Execution Dispatcher talk to this type
// only, never to an Engine directly.
type Supervisor struct {
	sandboxed Engine
	container Engine
	log       *slog.Logger
}

// New builds a Supervisor over the given sandbox scratch root and
// container image repository. nodeID labels every container this
// supervisor starts, so a restarted process (or the Scheduler) can tell
// which running containers belong to this node.
func New(sandboxScratchRoot, containerImageRepo, nodeID string, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		sandboxed: NewSandboxEngine(sandboxScratchRoot),
		container: NewContainerEngine(containerImageRepo, nodeID),
		log:       log,
	}
}

func (s *Supervisor) engineFor(kind store.AgentKind) Engine {
	if kind == store.AgentKindFunctionSandboxed {
		return s.sandboxed
	}
	return s.container
}

// Build produces a reusable, digest-tagged artifact with caps. It logs a
// warning when requested exceeds caps; it clamps nothing itself, and the
// Deployment Controller passes a deployment's caps as both arguments.
func (s *Supervisor) Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps, requested store.ResourceCaps) (*BuildResult, error) {
	if requested.MemoryBytes > caps.MemoryBytes || requested.CPUFraction > caps.CPUFraction || requested.PIDs > caps.PIDs {
		s.log.WarnContext(ctx, "resource request clamped to system maximum",
			"agent", manifest.Name, "version", manifest.Version,
			"requested_memory", requested.MemoryBytes, "effective_memory", caps.MemoryBytes,
			"requested_cpu", requested.CPUFraction, "effective_cpu", caps.CPUFraction,
			"requested_pids", requested.PIDs, "effective_pids", caps.PIDs)
	}
	return s.engineFor(manifest.Kind).Build(ctx, bundle, manifest, caps)
}

// Start runs the built artifact with caps as given; it does not clamp them.
func (s *Supervisor) Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*StartResult, error) {
	return s.engineFor(manifest.Kind).Start(ctx, tag, manifest, env, caps)
}

// Probe reports current health.
func (s *Supervisor) Probe(ctx context.Context, kind store.AgentKind, h Handle, manifest store.Manifest) (*ProbeResult, error) {
	return s.engineFor(kind).Probe(ctx, h, manifest)
}

// Exec is valid only for function-containerized and function-sandboxed
// kinds; other kinds are invoked over their internal endpoint instead, so
// this returns CodeAgentError for anything else.
func (s *Supervisor) Exec(ctx context.Context, kind store.AgentKind, h Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*ExecResult, error) {
	if kind != store.AgentKindFunctionSandboxed && kind != store.AgentKindFunctionContainerized {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, "Exec is not valid for kind "+string(kind))
	}
	return s.engineFor(kind).Exec(ctx, h, manifest, payload, timeout)
}

// Stop always succeeds, even if the handle is already stopped.
func (s *Supervisor) Stop(ctx context.Context, kind store.AgentKind, h Handle, grace time.Duration) error {
	return s.engineFor(kind).Stop(ctx, h, grace)
}

// Logs returns the tail of the artifact's output.
func (s *Supervisor) Logs(ctx context.Context, kind store.AgentKind, h Handle, tail int) (io.ReadCloser, error) {
	return s.engineFor(kind).Logs(ctx, h, tail)
}

// ListContainerHandles returns every handle the container engine currently
// considers running, for the Scheduler's orphan-reaping duty. The sandbox
// engine is not consulted, so sandboxed processes are never listed.
func (s *Supervisor) ListContainerHandles(ctx context.Context) ([]Handle, error) {
	return s.container.ListHandles(ctx)
}
