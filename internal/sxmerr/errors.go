// Package sxmerr defines the coordinator's error taxonomy (spec §7). Every
// error a caller of pkg/sxm can observe is one of these, or wraps one of
// these, so that the façade (pkg/sxm.Facade) can flatten it deterministically.
package sxmerr

import "fmt"

// NotFound reports that a VDI or SR was missing at a precondition check.
type NotFound struct {
	Kind string // "sr" or "vdi"
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// CapacityExceeded reports that the source is larger than the destination,
// or that the destination SR ran out of space during a snapshot.
type CapacityExceeded struct {
	Msg string
}

func (e *CapacityExceeded) Error() string { return e.Msg }

// Unattached reports that no tap-disk could be resolved for a data path.
type Unattached struct {
	DP string
}

func (e *Unattached) Error() string { return fmt.Sprintf("Not attached: %s", e.DP) }

// BackendError is a structured failure surfaced by the storage API,
// preserved verbatim across the coordinator's boundaries.
type BackendError struct {
	Code   string
	Params []string
}

func (e *BackendError) Error() string { return fmt.Sprintf("%s%v", e.Code, e.Params) }

// InternalError carries an unstructured, stringified description.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string { return e.Msg }

// Cancelled reports that the owning task was cancelled.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "cancelled" }

// Timeout reports that a drain or wait exceeded its budget.
type Timeout struct {
	ElapsedSeconds float64
}

func (e *Timeout) Error() string { return fmt.Sprintf("timed out after %.1fs", e.ElapsedSeconds) }

// DoesNotExist reports stop/stat on an unknown operation id.
type DoesNotExist struct {
	Kind string // e.g. "mirror"
	ID   string
}

func (e *DoesNotExist) Error() string { return fmt.Sprintf("%s does not exist: %s", e.Kind, e.ID) }

// ResourceClosed reports I/O on a reader after cleanup ran.
type ResourceClosed struct{}

func (e *ResourceClosed) Error() string { return "resource closed" }

// Internal wraps an arbitrary error as an InternalError, the façade's
// catch-all for anything not already part of the taxonomy.
func Internal(err error) *InternalError {
	return &InternalError{Msg: err.Error()}
}
