package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// GCSLoader fetches module artifacts from Google Cloud Storage, mirroring
// S3Loader's (module, version) object layout and digest verification.
type GCSLoader struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSLoader.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSLoader builds a GCSLoader using application default credentials.
func NewGCSLoader(ctx context.Context, cfg GCSConfig) (*GCSLoader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("loader: create gcs client: %w", err)
	}
	return &GCSLoader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (l *GCSLoader) objectName(id forgeid.ModuleID, version string) string {
	return fmt.Sprintf("%s%s/%s.wasm", l.prefix, id, version)
}

func (l *GCSLoader) Fetch(ctx context.Context, id forgeid.ModuleID, version string) (*ports.Artifact, error) {
	name := l.objectName(id, version)
	obj := l.client.Bucket(l.bucket).Object(name)

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.New(errs.StorageNotFound, "loader: artifact not found: "+name)
		}
		return nil, errs.Wrap(errs.Critical, "loader: gcs get "+name, err)
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, errs.Wrap(errs.Critical, "loader: read gcs object", err)
	}
	content := buf.Bytes()

	sum := sha256.Sum256(content)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	if attrs, err := obj.Attrs(ctx); err == nil {
		if expected, ok := attrs.Metadata[digestMetadataKey]; ok && expected != "" && expected != digest {
			return nil, errs.New(errs.Critical, fmt.Sprintf("loader: digest mismatch for %s: expected %s got %s", name, expected, digest))
		}
	}

	return &ports.Artifact{
		ModuleID: id,
		Version:  version,
		Digest:   digest,
		Content:  content,
	}, nil
}
