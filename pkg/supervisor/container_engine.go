package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// containerEngine backs function-containerized, endpoint-server, and
// persistent-stateful agents with real containers via testcontainers-go's
// GenericContainer, the same container lifecycle API the pack already
// depends on for its own Postgres/Qdrant/Redis test fixtures — reused here
// as the local container engine rather than introducing a second client
// (e.g. the Docker SDK) for the same concern.
type containerEngine struct {
	imageRepo string
	nodeID    string

	mu      sync.Mutex
	built   map[string]bool // tag -> built
	running map[Handle]testcontainers.Container
	ports   map[Handle]int

	lister containerLister // nil if no Docker daemon was reachable at construction
}

// NewContainerEngine creates the container-backed Engine for
// function-containerized/endpoint-server/persistent-stateful kinds. Every
// container it starts is labeled with nodeID so a restarted process (or the
// Scheduler on another node) can tell which containers this node owns.
func NewContainerEngine(imageRepo, nodeID string) Engine {
	lister, _ := newDockerContainerLister() // best-effort; nil lister just means ListHandles skips cross-restart discovery
	return &containerEngine{
		imageRepo: imageRepo,
		nodeID:    nodeID,
		built:     map[string]bool{},
		running:   map[Handle]testcontainers.Container{},
		ports:     map[Handle]int{},
		lister:    lister,
	}
}

func (e *containerEngine) Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps store.ResourceCaps) (*BuildResult, error) {
	digest := manifest.Name + "-" + manifest.Version
	tag, err := imageTag(e.imageRepo, digest, caps)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeBuildFailed, err, "compute image tag")
	}
	tagStr := tag.String()

	e.mu.Lock()
	defer e.mu.Unlock()
	// Idempotent by tag: a bundle that already produced this (digest,
	// profile) pair doesn't rebuild. The actual OCI build (unpacking the
	// bundle into an image layer) is delegated to the operator's configured
	// builder out-of-process; this engine only tracks the resulting tag,
	// matching Build's contract of being a reusable, addressable artifact.
	e.built[tagStr] = true
	return &BuildResult{Tag: tagStr}, nil
}

func (e *containerEngine) Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*StartResult, error) {
	e.mu.Lock()
	built := e.built[tag]
	e.mu.Unlock()
	if !built {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeStartFailed, "image not built")
	}

	port := "0/tcp"
	exposedPort := 0
	waitStrategy := tcwait.ForLog("").WithStartupTimeout(30 * time.Second)
	if manifest.Endpoint != nil {
		exposedPort = manifest.Endpoint.Port
		port = fmt.Sprintf("%d/tcp", exposedPort)
		waitStrategy = tcwait.ForHTTP(manifest.Endpoint.HealthPath).
			WithPort("").
			WithStartupTimeout(30 * time.Second)
	}

	envList := make(map[string]string, len(env))
	for k, v := range env {
		envList[k] = v
	}

	pidsLimit := int64(caps.PIDs)
	req := testcontainers.ContainerRequest{
		Image:        tag,
		ExposedPorts: []string{port},
		Env:          envList,
		Labels:       map[string]string{nodeLabel: e.nodeID},
		WaitingFor:   waitStrategy,
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.Resources = dockercontainer.Resources{
				Memory:    caps.MemoryBytes,
				NanoCPUs:  int64(caps.CPUFraction * 1e9),
				PidsLimit: &pidsLimit,
			}
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeStartFailed, err, "start container")
	}

	handle := Handle(container.GetContainerID())

	var endpoint string
	if manifest.Endpoint != nil {
		mapped, err := container.MappedPort(ctx, "")
		if err == nil {
			host, _ := container.Host(ctx)
			endpoint = host + ":" + mapped.Port()
		}
		e.mu.Lock()
		e.ports[handle] = exposedPort
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.running[handle] = container
	e.mu.Unlock()

	return &StartResult{Handle: handle, InternalEndpoint: endpoint}, nil
}

func (e *containerEngine) Probe(ctx context.Context, h Handle, manifest store.Manifest) (*ProbeResult, error) {
	e.mu.Lock()
	container, ok := e.running[h]
	e.mu.Unlock()
	if !ok {
		return &ProbeResult{Healthy: false, Reason: "unknown handle"}, nil
	}

	state, err := container.State(ctx)
	if err != nil {
		return &ProbeResult{Healthy: false, Reason: err.Error()}, nil
	}
	if !state.Running {
		return &ProbeResult{Healthy: false, Reason: fmt.Sprintf("container state: %s", state.Status)}, nil
	}

	if manifest.Endpoint == nil {
		return &ProbeResult{Healthy: true}, nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		return &ProbeResult{Healthy: false, Reason: "container has no reachable host"}, nil
	}
	mapped, err := container.MappedPort(ctx, "")
	if err != nil {
		return &ProbeResult{Healthy: false, Reason: "no mapped port"}, nil
	}

	client := http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s:%s%s", host, mapped.Port(), manifest.Endpoint.HealthPath)
	resp, err := client.Get(url)
	if err != nil {
		return &ProbeResult{Healthy: false, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &ProbeResult{Healthy: true}, nil
	}
	return &ProbeResult{Healthy: false, Reason: "health endpoint returned " + strconv.Itoa(resp.StatusCode)}, nil
}

func (e *containerEngine) Exec(ctx context.Context, h Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*ExecResult, error) {
	e.mu.Lock()
	container, ok := e.running[h]
	e.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, "unknown handle")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := []string{manifest.EntryPoint}
	exitCode, reader, err := container.Exec(execCtx, cmd, tcexec.WithStdin(bytes.NewReader(payload)))
	if err != nil {
		if execCtx.Err() != nil {
			return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeTimeout, fmt.Sprintf("containerized execution exceeded %s", timeout))
		}
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "container exec failed")
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "read exec output")
	}
	if exitCode != 0 {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, fmt.Sprintf("entry point exited %d", exitCode))
	}

	return &ExecResult{Output: out, ExitCode: exitCode}, nil
}

func (e *containerEngine) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	e.mu.Lock()
	container, ok := e.running[h]
	delete(e.running, h)
	delete(e.ports, h)
	e.mu.Unlock()
	if !ok {
		return nil // already stopped, Stop always succeeds
	}
	stopCtx, cancel := context.WithTimeout(ctx, grace+5*time.Second)
	defer cancel()
	timeout := grace
	if err := container.Stop(stopCtx, &timeout); err != nil {
		_ = container.Terminate(stopCtx)
	}
	return nil
}

func (e *containerEngine) Logs(ctx context.Context, h Handle, tail int) (io.ReadCloser, error) {
	e.mu.Lock()
	container, ok := e.running[h]
	e.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeNotFound, "unknown handle")
	}
	return container.Logs(ctx)
}

// ListHandles returns every handle this process's in-memory map is tracking
// plus, if a Docker daemon is reachable, every container on the daemon
// labeled as belonging to this node but absent from that map — the case a
// crashed-and-restarted process needs the Scheduler's orphan-reaping duty
// to clean up, since the in-memory map itself doesn't survive the restart.
func (e *containerEngine) ListHandles(ctx context.Context) ([]Handle, error) {
	e.mu.Lock()
	seen := make(map[Handle]bool, len(e.running))
	handles := make([]Handle, 0, len(e.running))
	for h := range e.running {
		seen[h] = true
		handles = append(handles, h)
	}
	lister := e.lister
	e.mu.Unlock()

	if lister == nil {
		return handles, nil
	}
	ids, err := lister.ListByLabel(ctx, nodeLabel, e.nodeID)
	if err != nil {
		// Best-effort: in-memory discovery still covers the common,
		// same-process case, so a daemon query failure doesn't fail the call.
		return handles, nil
	}
	for _, id := range ids {
		h := Handle(id)
		if !seen[h] {
			handles = append(handles, h)
		}
	}
	return handles, nil
}
