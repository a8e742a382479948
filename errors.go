package authz

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable marks a failure to reach a role, policy or assignment
// store. Callers must treat it as "could not determine access", never as a
// denial, and the engine never converts it into an allow.
var ErrStoreUnavailable = errors.New("authz: store unavailable")

// ErrSystemPolicyImmutable is returned when a write operation targets a
// system policy.
var ErrSystemPolicyImmutable = errors.New("authz: system policies cannot be modified")

// ErrNotFound is returned by store lookups for single records. The engine
// itself never surfaces it: dangling references are skipped silently.
var ErrNotFound = errors.New("authz: not found")

// ErrNoAssignmentStore is returned by operations that need user-role
// assignments when the engine was built without an assignment store.
var ErrNoAssignmentStore = errors.New("authz: no assignment store configured")

// StoreError wraps an underlying store failure with the store kind and the
// operation that failed. It matches ErrStoreUnavailable via errors.Is.
type StoreError struct {
	Store string // "role", "policy", "assignment"
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("authz: %s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) succeed for any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: store, Op: op, Err: err}
}
