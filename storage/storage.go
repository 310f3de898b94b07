// Package storage is a thin client over a bucket-addressed object store,
// plus signed-URL issuance for the air-gap handoff. Every write is
// private; no object is ever created publicly accessible.
package storage

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/smithy-go"
)

var (
	// ErrNoObject is returned when the requested key does not exist.
	ErrNoObject = errors.New("storage: no object")
	// ErrUnavailable marks a transient transport or availability failure.
	// The operation may be retried; the data and the request were fine.
	ErrUnavailable = errors.New("storage: unavailable")
)

// IsUnavailable reports whether err is a transient availability failure
// rather than a permanent one: an explicit ErrUnavailable wrap, a deadline,
// a network timeout, or a throttling/5xx code from the store.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return true
		}
	}
	return false
}

// PutInput describes one object write.
type PutInput struct {
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo is the non-payload description of a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// Client is the object-store contract used by the export pipeline and the
// retention sweeper. Implementations do not retry failed operations; the
// caller owns retry policy.
type Client interface {
	Put(ctx context.Context, input PutInput) error
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	SignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
	SignedUploadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}
