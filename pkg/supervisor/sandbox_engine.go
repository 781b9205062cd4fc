package supervisor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// sandboxEngine runs function-sandboxed agents as OS subprocesses instead
// of containers: the entry point is extracted from its bundle into a
// scratch directory once per build tag, then invoked with payload on
// stdin under shell `ulimit` limits on memory and process count standing
// in for the container engine's cgroup caps (the CPU fraction is only
// passed to the process as TARSY_CPU_FRACTION, not enforced): build an
// *exec.Cmd, hand it an explicit environment, run it.
//
// Network egress restriction to "the Resource Gateway only" is enforced
// at the application layer, not via a network namespace: the sandboxed
// process is handed no outbound credentials of its own (PutCredential
// plaintext never leaves the Gateway process), so the only network calls
// an agent can make usefully are the ones the Gateway's own client SDK
// performs on its behalf. A full network-namespace sandbox would need
// elevated privileges this runtime doesn't assume.
type sandboxEngine struct {
	scratchRoot string

	mu        sync.Mutex
	scratch   map[string]string // tag -> extracted directory
	processes map[Handle]*sandboxProcess
}

type sandboxProcess struct {
	dir        string
	entryPoint string
	caps       store.ResourceCaps
}

// NewSandboxEngine creates the function-sandboxed Engine backend, staging
// extracted bundles under scratchRoot.
func NewSandboxEngine(scratchRoot string) Engine {
	return &sandboxEngine{
		scratchRoot: scratchRoot,
		scratch:     map[string]string{},
		processes:   map[Handle]*sandboxProcess{},
	}
}

func (e *sandboxEngine) Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps store.ResourceCaps) (*BuildResult, error) {
	tag, err := imageTag("sandboxed", manifest.Name+"-"+manifest.Version, caps)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeBuildFailed, err, "compute sandbox tag")
	}
	tagStr := tag.String()

	e.mu.Lock()
	dir, alreadyBuilt := e.scratch[tagStr]
	e.mu.Unlock()
	if alreadyBuilt {
		if _, err := os.Stat(dir); err == nil {
			return &BuildResult{Tag: tagStr}, nil
		}
	}

	dir = filepath.Join(e.scratchRoot, sanitize(tagStr))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeBuildFailed, err, "create scratch directory")
	}
	if err := extractZip(bundle, dir); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeBuildFailed, err, "extract bundle")
	}

	e.mu.Lock()
	e.scratch[tagStr] = dir
	e.mu.Unlock()

	return &BuildResult{Tag: tagStr}, nil
}

func (e *sandboxEngine) Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*StartResult, error) {
	e.mu.Lock()
	dir, ok := e.scratch[tag]
	e.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeStartFailed, "sandbox not built")
	}

	handle := Handle(tag)
	e.mu.Lock()
	e.processes[handle] = &sandboxProcess{dir: dir, entryPoint: manifest.EntryPoint, caps: caps}
	e.mu.Unlock()

	return &StartResult{Handle: handle}, nil
}

// Probe reports a sandboxed process as healthy as long as its scratch
// directory is still present; sandboxed agents have no standing liveness
// surface of their own between invocations.
func (e *sandboxEngine) Probe(ctx context.Context, h Handle, manifest store.Manifest) (*ProbeResult, error) {
	e.mu.Lock()
	p, ok := e.processes[h]
	e.mu.Unlock()
	if !ok {
		return &ProbeResult{Healthy: false, Reason: "unknown handle"}, nil
	}
	if _, err := os.Stat(p.dir); err != nil {
		return &ProbeResult{Healthy: false, Reason: "scratch directory missing"}, nil
	}
	return &ProbeResult{Healthy: true}, nil
}

func (e *sandboxEngine) Exec(ctx context.Context, h Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*ExecResult, error) {
	e.mu.Lock()
	p, ok := e.processes[h]
	e.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, "unknown handle")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := sandboxCommand(runCtx, p.dir, p.entryPoint, p.caps)
	cmd.Dir = p.dir
	cmd.Env = []string{"TARSY_CPU_FRACTION=" + strconv.FormatFloat(p.caps.CPUFraction, 'f', -1, 64)} // deliberately minimal: no inherited credentials or proxy config
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeTimeout, fmt.Sprintf("sandboxed execution exceeded %s", timeout))
	}
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "sandboxed execution failed: "+stderr.String())
	}

	if !json.Valid(stdout.Bytes()) {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, "sandboxed agent did not emit valid JSON on stdout")
	}

	return &ExecResult{Output: stdout.Bytes(), ExitCode: 0}, nil
}

func (e *sandboxEngine) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	e.mu.Lock()
	delete(e.processes, h)
	e.mu.Unlock()
	return nil
}

func (e *sandboxEngine) Logs(ctx context.Context, h Handle, tail int) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// ListHandles always returns empty, so the Scheduler's orphan reaping never
// considers this engine's processes. Sandboxed agents do hold deployment
// rows: the Dispatcher deploys every kind through the Deployment Controller.
func (e *sandboxEngine) ListHandles(ctx context.Context) ([]Handle, error) {
	return nil, nil
}

// extractZip unpacks an in-memory ZIP bundle into dir. archive/zip is
// standard library with no third-party counterpart in the retrieval pack;
// no pack repo reads bundle archives, so there's nothing to ground this on
// beyond Go's own archive/zip, which is the documented stdlib exception
// for this file.
func extractZip(bundle []byte, dir string) error {
	r, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return fmt.Errorf("not a valid zip bundle: %w", err)
	}
	for _, f := range r.File {
		target := filepath.Join(dir, f.Name)
		if !isWithinDir(dir, target) {
			return fmt.Errorf("zip entry %q escapes scratch directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !bytesHasPrefix(rel, "../")
}

func bytesHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// sandboxCommand builds the subprocess that runs entryPoint with caps
// enforced via the shell's own `ulimit`, which — unlike calling
// syscall.Setrlimit in the supervisor process itself — applies to the
// forked shell and is inherited by the exec'd interpreter, not to the
// supervisor that's building the command. `ulimit -v` (memory) and
// `ulimit -u` (PID cap) stand in for the container engine's cgroup caps;
// no CPU limit is set on the sandboxed path.
func sandboxCommand(ctx context.Context, dir, entryPoint string, caps store.ResourceCaps) *exec.Cmd {
	interpreter := interpreterFor(entryPoint)
	script := fmt.Sprintf(
		"ulimit -v %d; ulimit -u %d; exec %s %q",
		caps.MemoryBytes/1024, // ulimit -v is in KiB
		caps.PIDs,
		interpreter,
		filepath.Join(dir, entryPoint),
	)
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

// interpreterFor picks the runtime for an entry point by extension;
// agents ship source, not pre-built binaries, for the sandboxed kind.
func interpreterFor(entryPoint string) string {
	switch filepath.Ext(entryPoint) {
	case ".py":
		return "python3"
	case ".js":
		return "node"
	default:
		return "" // entry point is itself an executable
	}
}
