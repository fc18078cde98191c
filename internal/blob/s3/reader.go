package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// Reader implements domain.BlobReader against an S3-compatible backend. The
// archiver uses it to read uploads back for verification.
type Reader struct {
	client *s3.Client
	bucket string
}

// NewReader creates a Reader that fetches from the client's bucket.
func NewReader(c *Client) *Reader {
	return &Reader{
		client: c.s3,
		bucket: c.bucket,
	}
}

// Get returns the object body at path. The caller closes the reader.
// Returns domain.ErrNotFound when the object does not exist.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	output, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return output.Body, nil
}

// isNotFound reports whether the error means the object is missing. Checks
// the typed SDK errors first, then falls back to the HTTP status for
// providers that return a bare 404.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}

var _ domain.BlobReader = (*Reader)(nil)
