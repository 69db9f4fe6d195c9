package orchestrator

import "fmt"

// ConflictError means a tenant identifier is already reserved, including by
// a soft-deleted tenant.
type ConflictError struct {
	Identifier string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identifier %q already reserved", e.Identifier)
}

// QuotaExceededError means the owner hit their plan's tenant ceiling.
type QuotaExceededError struct {
	CustomerID string
	Limit      int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("customer %s reached tenant limit %d", e.CustomerID, e.Limit)
}

// InvalidStateError means the requested operation is not a legal transition
// from the tenant's current status.
type InvalidStateError struct {
	TenantID  string
	Operation string
	Status    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s tenant %s in status %q", e.Operation, e.TenantID, e.Status)
}

// AlreadyInFlightError means another job for the tenant is outstanding. The
// caller may retry once it settles.
type AlreadyInFlightError struct {
	TenantID string
}

func (e *AlreadyInFlightError) Error() string {
	return fmt.Sprintf("tenant %s already has a job in flight", e.TenantID)
}

// NotFoundError means the tenant or plan does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError means the request itself was malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
