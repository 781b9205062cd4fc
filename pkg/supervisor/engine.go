// Package supervisor is the Container Supervisor (component C): a facade
// over the local container engine plus an OS-subprocess sandbox, wrapping
// the external runtime behind a small interface so the rest of the
// codebase never imports the concrete driver directly.
package supervisor

import (
	"context"
	"io"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
)

// Handle is the opaque reference a Deployment Controller stores as
// Deployment.ContainerHandle, returned by Start and consumed by every
// other Engine operation.
type Handle string

// BuildResult is what Build returns on success.
type BuildResult struct {
	Tag string // the idempotent image tag
}

// StartResult is what Start returns on success.
type StartResult struct {
	Handle           Handle
	InternalEndpoint string // host:port, set for endpoint/stateful kinds
}

// ProbeResult reports Probe's outcome.
type ProbeResult struct {
	Healthy bool
	Reason  string // set when !Healthy
}

// ExecResult is Exec's outcome for function-containerized invocations.
type ExecResult struct {
	Output   []byte // raw stdout, expected to be JSON
	ExitCode int
}

// Engine is the container-engine facade every agent kind's invocation path
// goes through. Two implementations exist: containerEngine (testcontainers-
// go-backed, for function-containerized/endpoint-server/persistent-
// stateful) and sandboxEngine (os/exec-backed, for function-sandboxed).
type Engine interface {
	// Build produces a reusable, digest-tagged artifact for bundle+manifest.
	// Idempotent by tag; a second Build with the same digest and resource
	// profile is a cheap no-op.
	Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps store.ResourceCaps) (*BuildResult, error)

	// Start runs the built artifact with the given env and caps, applied as
	// given; no caller clamps them to system maxima.
	Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*StartResult, error)

	// Probe reports current health: HTTP GET on the declared health path for
	// endpoint kinds, liveness check otherwise.
	Probe(ctx context.Context, h Handle, manifest store.Manifest) (*ProbeResult, error)

	// Exec runs the entry point once with payload on stdin, for
	// function-containerized and function-sandboxed kinds only.
	Exec(ctx context.Context, h Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*ExecResult, error)

	// Stop always succeeds, even if the handle is already stopped.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// Logs returns the tail of the artifact's output.
	Logs(ctx context.Context, h Handle, tail int) (io.ReadCloser, error)

	// ListHandles returns every handle this engine currently considers
	// running, for the Scheduler's orphan-container reaping duty (discovery
	// by label prefix on the container, generalized here to "every handle
	// this process's engine owns").
	ListHandles(ctx context.Context) ([]Handle, error)
}
