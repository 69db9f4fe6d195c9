package provisioner

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

type resourceState int

const (
	stateAbsent resourceState = iota
	stateActive
	stateSuspended
)

// InMemory is a Provisioner that tracks resource state in a map. It stands
// in for the external provisioning system in local runs and tests, and it
// records every invocation so idempotence can be asserted.
type InMemory struct {
	mu       sync.Mutex
	state    map[string]resourceState
	calls    map[string]int
	failNext map[string][]error
}

// NewInMemory returns an empty in-memory provisioner.
func NewInMemory() *InMemory {
	return &InMemory{
		state:    make(map[string]resourceState),
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
	}
}

// FailNext queues an error to be returned by the next invocation of op on
// resourceID. Queue several to simulate repeated transient failures.
func (p *InMemory) FailNext(op, resourceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := op + ":" + resourceID
	p.failNext[k] = append(p.failNext[k], err)
}

// CallCount reports how many times op was invoked on resourceID.
func (p *InMemory) CallCount(op, resourceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op+":"+resourceID]
}

// ForceState overrides a resource's state, used to manufacture drift.
func (p *InMemory) ForceState(resourceID string, present, suspended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !present:
		delete(p.state, resourceID)
	case suspended:
		p.state[resourceID] = stateSuspended
	default:
		p.state[resourceID] = stateActive
	}
}

func (p *InMemory) record(op, resourceID string) error {
	k := op + ":" + resourceID
	p.calls[k]++
	if errs := p.failNext[k]; len(errs) > 0 {
		err := errs[0]
		p.failNext[k] = errs[1:]
		return err
	}
	return nil
}

func (p *InMemory) Create(_ context.Context, resourceID string, _ ResourceConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("create", resourceID); err != nil {
		return err
	}
	switch p.state[resourceID] {
	case stateActive:
		return ErrAlreadyInTargetState
	case stateSuspended:
		return conflict(resourceID, "suspended")
	}
	p.state[resourceID] = stateActive
	return nil
}

func (p *InMemory) Suspend(_ context.Context, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("suspend", resourceID); err != nil {
		return err
	}
	switch p.state[resourceID] {
	case stateSuspended:
		return ErrAlreadyInTargetState
	case stateAbsent:
		return conflict(resourceID, "absent")
	}
	p.state[resourceID] = stateSuspended
	return nil
}

func (p *InMemory) Resume(_ context.Context, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("resume", resourceID); err != nil {
		return err
	}
	switch p.state[resourceID] {
	case stateActive:
		return ErrAlreadyInTargetState
	case stateAbsent:
		return conflict(resourceID, "absent")
	}
	p.state[resourceID] = stateActive
	return nil
}

func (p *InMemory) Delete(_ context.Context, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("delete", resourceID); err != nil {
		return err
	}
	if p.state[resourceID] == stateAbsent {
		return ErrAlreadyInTargetState
	}
	delete(p.state, resourceID)
	return nil
}

func (p *InMemory) Backup(_ context.Context, resourceID string) (BackupRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("backup", resourceID); err != nil {
		return BackupRef{}, err
	}
	if p.state[resourceID] != stateActive {
		return BackupRef{}, conflict(resourceID, "not active")
	}
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s.dump", resourceID, now.Format("20060102_150405"))
	sum := sha256.Sum256([]byte(name))
	return BackupRef{
		Path:      "/backups/" + name,
		SizeBytes: int64(len(name)) * 1024,
		Checksum:  fmt.Sprintf("%x", sum),
		TakenAt:   now,
	}, nil
}

func (p *InMemory) Restore(_ context.Context, resourceID string, ref BackupRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("restore", resourceID); err != nil {
		return err
	}
	if ref.Path == "" {
		return Permanent(fmt.Errorf("no backup artifact for %s", resourceID))
	}
	if p.state[resourceID] == stateAbsent {
		return conflict(resourceID, "absent")
	}
	// A restored database comes back live, even when it was suspended.
	p.state[resourceID] = stateActive
	return nil
}

func (p *InMemory) State(_ context.Context, resourceID string) (ResourceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["state:"+resourceID]++
	switch p.state[resourceID] {
	case stateActive:
		return ResourceActive, nil
	case stateSuspended:
		return ResourceSuspended, nil
	}
	return ResourceAbsent, nil
}
