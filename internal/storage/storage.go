// Package storage holds the blob stores an uploaded file travels through: a
// local-directory store for single-host deployments and a MinIO/S3 store for
// everything else. Both are addressed by an opaque object key recorded on the
// UploadedFile row.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when the requested object key is absent.
var ErrNotExist = errors.New("storage: object does not exist")

// Store is the interface the api and splitter use. Save and Open stream; no
// implementation buffers a whole file. Size may be -1 when unknown.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
