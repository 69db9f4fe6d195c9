// Package provisioner defines the contract between the worker pool and the
// system that actually creates and destroys per-tenant backing resources.
// The real provisioner is an external collaborator; this package ships an
// in-memory adapter for local runs and tests.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyInTargetState is the distinguishable success every operation
// returns when re-invoked after a prior (possibly partial) success. Workers
// treat it as completion, which is what makes redelivery safe.
var ErrAlreadyInTargetState = errors.New("resource already in target state")

// PermanentError marks a failure that retrying cannot fix: resource
// conflicts, invalid configuration. Everything else is transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should skip the retry path.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ResourceConfig carries the quota applied to a backing database.
type ResourceConfig struct {
	StorageGB      int
	MaxConnections int
}

// ResourceState is the observed condition of a backing resource, reported by
// State for ground-truth probes.
type ResourceState string

const (
	ResourceAbsent    ResourceState = "absent"
	ResourceActive    ResourceState = "active"
	ResourceSuspended ResourceState = "suspended"
)

// BackupRef identifies a completed backup artifact.
type BackupRef struct {
	Path      string
	SizeBytes int64
	Checksum  string
	TakenAt   time.Time
}

// Provisioner creates and destroys per-tenant backing resources. Every
// operation is idempotent against the same resource identifier; re-applying
// Restore with the same artifact yields the same resource contents.
type Provisioner interface {
	Create(ctx context.Context, resourceID string, cfg ResourceConfig) error
	Suspend(ctx context.Context, resourceID string) error
	Resume(ctx context.Context, resourceID string) error
	Delete(ctx context.Context, resourceID string) error
	Backup(ctx context.Context, resourceID string) (BackupRef, error)
	Restore(ctx context.Context, resourceID string, ref BackupRef) error
	State(ctx context.Context, resourceID string) (ResourceState, error)
}

func conflict(resourceID, state string) error {
	return Permanent(fmt.Errorf("resource %s is %s", resourceID, state))
}
