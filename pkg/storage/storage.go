// Package storage defines the Object Storage collaborator used for
// simulation inputs, configuration documents and outputs.
//
// A Storage is bound to one bucket (or base directory). Records carry
// locators such as s3://bucket/simulations/u/s/output/; Locator and
// ParseLocator convert between locators and keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Storage is the object storage contract.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Get returns the full object body.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or overwrites an object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Locator returns the locator for key.
	Locator(key string) string

	// Close releases any resources held by the storage.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the backend default (1000).
	MaxKeys int
}

// ListResult contains a page of objects.
type ListResult struct {
	Objects []Object

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// Object is a listed entry.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend identifies a storage implementation.
type Backend string

const (
	BackendS3   Backend = "s3"
	BackendFile Backend = "file"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrInvalidLocator indicates a locator could not be parsed or does not
	// belong to this storage.
	ErrInvalidLocator = errors.New("invalid locator")
)

// Error wraps backend-specific errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "List", "Get").
	Op string

	// Backend is the storage backend.
	Backend Backend

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Location is a parsed locator.
type Location struct {
	// Scheme is "s3" or "file".
	Scheme string

	// Bucket is the bucket name; empty for file locators.
	Bucket string

	// Key is the object key or prefix, or the absolute path for file locators.
	Key string
}

// String returns the locator in canonical form.
func (l Location) String() string {
	if l.Scheme == string(BackendFile) {
		return "file://" + l.Key
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// ParseLocator parses s3://bucket/key or file:///abs/path.
func ParseLocator(loc string) (Location, error) {
	if strings.TrimSpace(loc) == "" {
		return Location{}, fmt.Errorf("%w: empty locator", ErrInvalidLocator)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	switch u.Scheme {
	case string(BackendS3):
		if u.Host == "" {
			return Location{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidLocator, loc)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	case string(BackendFile):
		if u.Path == "" {
			return Location{}, fmt.Errorf("%w: missing path in %q", ErrInvalidLocator, loc)
		}
		return Location{Scheme: u.Scheme, Key: u.Path}, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}
}

// KeyFor resolves loc to a key within s by comparing against s.Locator("").
func KeyFor(s Storage, loc string) (string, error) {
	root := s.Locator("")
	if !strings.HasPrefix(loc, root) {
		return "", fmt.Errorf("%w: %q is not under %q", ErrInvalidLocator, loc, root)
	}
	return strings.TrimPrefix(loc, root), nil
}

// ListAll pages through every object under prefix and calls fn for each.
func ListAll(ctx context.Context, s Storage, prefix string, fn func(Object) error) error {
	token := ""
	for {
		page, err := s.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if !page.IsTruncated || page.ContinuationToken == "" {
			return nil
		}
		token = page.ContinuationToken
	}
}

// SimulationPrefix is the key prefix for one simulation's artifacts.
func SimulationPrefix(userID, simulationID string) string {
	return fmt.Sprintf("simulations/%s/%s/", userID, simulationID)
}
