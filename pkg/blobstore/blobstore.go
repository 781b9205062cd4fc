// Package blobstore is the opaque-blob-pointer backing store for agent
// bundles and encrypted BYOK credentials. Grounded on
// StricklySoft-stricklysoft-core's pkg/clients/minio adapter: a thin
// interface over *minio.Client, OTel spans per call, provider errors
// classified into this runtime's own error codes rather than leaked raw.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

const tracerName = "github.com/codeready-toolchain/tarsy-runtime/pkg/blobstore"

// ObjectStore is the subset of the minio-go client this package depends on;
// satisfied by *minio.Client, and mockable for unit tests.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Store wraps an ObjectStore with the two buckets this runtime needs:
// bundle blobs (Agent's bundle location) and encrypted credential blobs.
type Store struct {
	client           ObjectStore
	bundleBucket     string
	credentialBucket string
	tracer           trace.Tracer
}

// Config mirrors the connection fields callers already read out of
// pkg/config.ObjectStoreConfig, kept separate so this package has no
// dependency on pkg/config.
type Config struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	UseSSL           bool
	BundleBucket     string
	CredentialBucket string
}

// New dials the MinIO endpoint and ensures both buckets exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "create minio client")
	}
	s := &Store{
		client:           client,
		bundleBucket:     cfg.BundleBucket,
		credentialBucket: cfg.CredentialBucket,
		tracer:           otel.Tracer(tracerName),
	}
	for _, bucket := range []string{cfg.BundleBucket, cfg.CredentialBucket} {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewFromStore injects an ObjectStore directly, bypassing the S3 client
// construction in New. Used by unit tests to supply a mock.
func NewFromStore(store ObjectStore, cfg Config) *Store {
	return &Store{
		client:           store,
		bundleBucket:     cfg.BundleBucket,
		credentialBucket: cfg.CredentialBucket,
		tracer:           otel.Tracer(tracerName),
	}
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "check bucket existence")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "create bucket")
	}
	return nil
}

func (s *Store) withSpan(ctx context.Context, name, bucket, object string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", bucket),
		attribute.String("object", object),
	))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// PutBundle stores an agent bundle blob keyed by content digest, returning
// the opaque object key recorded as Agent.BundleLocation.
func (s *Store) PutBundle(ctx context.Context, digest string, content []byte) (string, error) {
	key := fmt.Sprintf("bundles/%s", digest)
	err := s.withSpan(ctx, "blobstore.PutBundle", s.bundleBucket, key, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bundleBucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType: "application/zip",
		})
		return err
	})
	if err != nil {
		return "", rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "put bundle blob")
	}
	return key, nil
}

// GetBundle fetches a previously stored bundle by its object key.
func (s *Store) GetBundle(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.withSpan(ctx, "blobstore.GetBundle", s.bundleBucket, key, func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.bundleBucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		out, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeNotFound, err, "get bundle blob")
	}
	return out, nil
}

// PutCredential stores an already-encrypted credential blob, keyed by
// user and provider. Plaintext never reaches this package.
func (s *Store) PutCredential(ctx context.Context, userID, provider string, ciphertext []byte) (string, error) {
	key := fmt.Sprintf("credentials/%s/%s", userID, provider)
	err := s.withSpan(ctx, "blobstore.PutCredential", s.credentialBucket, key, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.credentialBucket, key, bytes.NewReader(ciphertext), int64(len(ciphertext)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return err
	})
	if err != nil {
		return "", rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "put credential blob")
	}
	return key, nil
}

// GetCredential fetches a stored ciphertext blob by user and provider.
func (s *Store) GetCredential(ctx context.Context, userID, provider string) ([]byte, error) {
	key := fmt.Sprintf("credentials/%s/%s", userID, provider)
	var out []byte
	err := s.withSpan(ctx, "blobstore.GetCredential", s.credentialBucket, key, func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.credentialBucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		out, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeNotFound, err, "get credential blob")
	}
	return out, nil
}

// RemoveCredential deletes a stored credential blob.
func (s *Store) RemoveCredential(ctx context.Context, userID, provider string) error {
	key := fmt.Sprintf("credentials/%s/%s", userID, provider)
	return s.withSpan(ctx, "blobstore.RemoveCredential", s.credentialBucket, key, func(ctx context.Context) error {
		return s.client.RemoveObject(ctx, s.credentialBucket, key, minio.RemoveObjectOptions{})
	})
}
