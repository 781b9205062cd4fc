package admission

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/blobstore"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// memObjectStore is an in-memory stand-in for blobstore.ObjectStore, the
// same fake-the-interface idiom the Persistent Store's fake.go uses.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (m *memObjectStore) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

// GetObject is unused by these tests (AdmitAgent only calls PutObject);
// *minio.Object has no public constructor to fake a populated one with, so
// blobstore's Get-path coverage lives in its own integration scope.
func (m *memObjectStore) GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error) {
	return nil, errGetObjectUnsupported
}

func (m *memObjectStore) RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+object)
	return nil
}

func (m *memObjectStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return true, nil
}

func (m *memObjectStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return nil
}

var errGetObjectUnsupported = errors.New("GetObject not supported by memObjectStore")

func newTestPipeline(t *testing.T) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewFake()
	blobs := blobstore.NewFromStore(newMemObjectStore(), blobstore.Config{
		BundleBucket:     "bundles",
		CredentialBucket: "credentials",
	})
	return New(st, blobs), st
}

const validManifest = `{
	"name": "weather-agent",
	"version": "1.0.0",
	"kind": "function-sandboxed",
	"entry_point": "main.py",
	"operations": {
		"execute": {
			"inputSchema": {"type":"object","properties":{"city":{"type":"string"}},"required":["city"]},
			"outputSchema": {"type":"object","properties":{"tempC":{"type":"number"}},"required":["tempC"]}
		}
	},
	"requirements": ["requests"],
	"pricing": {"kind": "free"}
}`

func TestAdmitAgent_HappyPath(t *testing.T) {
	p, _ := newTestPipeline(t)

	agent, err := p.AdmitAgent(context.Background(), []byte("zip-bytes"), []byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusSubmitted, agent.Status)
	assert.NotEmpty(t, agent.CodeDigest)
	assert.NotEmpty(t, agent.BundleLocation)
	assert.Equal(t, "weather-agent", agent.Manifest.Name)
}

func TestAdmitAgent_RejectsEmptyBundle(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.AdmitAgent(context.Background(), nil, []byte(validManifest))
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeBundleRejected, e.Code)
}

func TestAdmitAgent_RejectsMissingRequiredField(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.AdmitAgent(context.Background(), []byte("zip"), []byte(`{"name":"x"}`))
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeManifestInvalid, e.Code)
}

func TestAdmitAgent_RejectsUnsupportedSchemaKeyword(t *testing.T) {
	p, _ := newTestPipeline(t)
	bad := `{
		"name": "x", "version": "1.0.0", "kind": "function-sandboxed", "entry_point": "main.py",
		"operations": {"execute": {
			"inputSchema": {"type":"object","patternProperties":{}},
			"outputSchema": {"type":"object"}
		}},
		"pricing": {"kind": "free"}
	}`
	_, err := p.AdmitAgent(context.Background(), []byte("zip"), []byte(bad))
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeManifestInvalid, e.Code)
}

func TestAdmitAgent_RejectsDuplicateNameVersion(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.AdmitAgent(context.Background(), []byte("zip-1"), []byte(validManifest))
	require.NoError(t, err)

	_, err = p.AdmitAgent(context.Background(), []byte("zip-2"), []byte(validManifest))
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeDuplicateVersion, e.Code)
}

func TestApproveRejectAgent_OneWay(t *testing.T) {
	p, _ := newTestPipeline(t)
	agent, err := p.AdmitAgent(context.Background(), []byte("zip"), []byte(validManifest))
	require.NoError(t, err)

	approved, err := p.ApproveAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusApproved, approved.Status)

	_, err = p.RejectAgent(context.Background(), agent.ID)
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeIllegalTransition, e.Code)
}

func TestValidateInput_SchemaViolationHasPath(t *testing.T) {
	p, _ := newTestPipeline(t)
	agent, err := p.AdmitAgent(context.Background(), []byte("zip"), []byte(validManifest))
	require.NoError(t, err)

	err = p.ValidateInput(context.Background(), agent.ID, "execute", map[string]interface{}{})
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeSchemaViolation, e.Code)
	assert.Equal(t, "/city", e.Path)

	err = p.ValidateInput(context.Background(), agent.ID, "execute", map[string]interface{}{"city": "Paris"})
	assert.NoError(t, err)
}

func TestValidateOutput_StrictModeRejectsUnknownFields(t *testing.T) {
	p, _ := newTestPipeline(t)
	agent, err := p.AdmitAgent(context.Background(), []byte("zip"), []byte(validManifest))
	require.NoError(t, err)

	err = p.ValidateOutput(context.Background(), agent.ID, "execute", map[string]interface{}{"tempC": 21.5, "extra": "nope"})
	require.Error(t, err)
	e, ok := rterrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.CodeSchemaViolation, e.Code)

	err = p.ValidateOutput(context.Background(), agent.ID, "execute", map[string]interface{}{"tempC": 21.5})
	assert.NoError(t, err)
}
