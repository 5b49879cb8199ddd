package services

import "context"

// BlobStore keeps uploaded images.
type BlobStore interface {
	UploadBase64(ctx context.Context, prefix, encoded string) (string, error)
	Delete(ctx context.Context, urls ...string) error
}
