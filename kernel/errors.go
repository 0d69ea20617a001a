// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/kernelvm/track"
)

// Category tells apart broken logic, missing permission, exhausted budget and
// failures outside the kernel. Every category is fatal to the transaction.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryStructural
	CategoryStore
	CategoryAuthorization
	CategoryResourceLimit
	CategoryGuest
)

var categoryNames = map[Category]string{
	CategoryUnknown:       "unknown",
	CategoryStructural:    "structural",
	CategoryStore:         "store",
	CategoryAuthorization: "authorization",
	CategoryResourceLimit: "resource_limit",
	CategoryGuest:         "guest",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Error is a kernel error of a known category. Instances are package level
// sentinels; wrap them with fmt.Errorf("%w") to add detail.
type Error struct {
	category Category
	// invariant errors indicate a kernel or contract defect, not bad input
	invariant bool
	msg       string
}

// NewError returns a sentinel of [category]. Packages driving the kernel use
// it so their own failures are reported under the right category.
func NewError(category Category, msg string) *Error {
	return &Error{category: category, msg: msg}
}

func newError(category Category, msg string) *Error { return NewError(category, msg) }

func newInvariant(msg string) *Error {
	return &Error{category: CategoryStructural, invariant: true, msg: msg}
}

func (e *Error) Error() string      { return e.msg }
func (e *Error) Category() Category { return e.category }
func (e *Error) IsInvariant() bool  { return e.invariant }

// structural
var (
	ErrNodeNotFound                 = newError(CategoryStructural, "node not found")
	ErrSubstateNotFound             = newError(CategoryStructural, "substate not found")
	ErrDuplicateNode                = newError(CategoryStructural, "node already exists")
	ErrSubstateLocked               = newError(CategoryStructural, "substate is locked")
	ErrNodeLocked                   = newError(CategoryStructural, "node has open locks")
	ErrNodeBorrowed                 = newError(CategoryStructural, "node is borrowed by a callee")
	ErrInvalidMove                  = newError(CategoryStructural, "node is not owned by the mover")
	ErrNodeNotVisible               = newError(CategoryStructural, "node is not visible to the current frame")
	ErrNonGlobalRefNotAllowed       = newError(CategoryStructural, "stored substates may only reference global nodes")
	ErrTransientNodeInStore         = newError(CategoryStructural, "transient nodes cannot be stored")
	ErrStoredNodeRemoved            = newError(CategoryStructural, "cannot detach a child from a stored substate")
	ErrLockUnmodifiedBaseViolation  = newError(CategoryStructural, "substate was modified earlier in the transaction")
	ErrLockUnmodifiedBaseOnHeapNode = newError(CategoryStructural, "unmodified base lock on a heap node")
	ErrInvalidDefaultValue          = newError(CategoryStructural, "default substate value may not own nodes")
	ErrInvalidLockHandle            = newError(CategoryStructural, "invalid lock handle")
	ErrNoWritePermission            = newError(CategoryStructural, "lock was not opened mutable")
	ErrInvalidValue                 = newError(CategoryStructural, "invalid substate value")
	ErrMaxCallDepthExceeded         = newError(CategoryStructural, "max call depth exceeded")
	ErrPackageNotFound              = newError(CategoryStructural, "package not found")
	ErrBlueprintNotFound            = newError(CategoryStructural, "blueprint not found")
	ErrExportNotFound               = newError(CategoryStructural, "export not found")
	ErrEncapsulation                = newError(CategoryStructural, "node belongs to another package")
	ErrCannotCreateNode             = newError(CategoryStructural, "actor may not create this node")
	ErrInvalidNodeID                = newError(CategoryStructural, "node id was not allocated by this transaction")
	ErrCannotDropNode               = newError(CategoryStructural, "node cannot be dropped")
	ErrInvalidLazyLoad              = newError(CategoryStructural, "virtual node was not created by its lazy load")
	ErrInvalidTypeInfo              = newError(CategoryStructural, "node has an invalid type info")
)

// invariants
var (
	ErrOrphanedNode = newInvariant("node left owned by an exiting frame")
	ErrLockTable    = newInvariant("lock table is inconsistent")
	ErrFrameState   = newInvariant("call frame is in the wrong state")
)

// authorization
var (
	ErrUnauthorized = newError(CategoryAuthorization, "unauthorized")
)

// resource limit
var (
	ErrCostLimitExceeded = newError(CategoryResourceLimit, "cost limit exceeded")
)

// GuestError wraps any failure raised inside guest or native blueprint code.
// The kernel never interprets it.
type GuestError struct {
	Export string
	Err    error
}

func (e *GuestError) Error() string { return fmt.Sprintf("guest %q failed: %s", e.Export, e.Err) }

func (e *GuestError) Unwrap() error { return e.Err }

// CategoryOf returns the category of the outermost classified error in the
// chain of [err].
func CategoryOf(err error) Category {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.category
		case *GuestError:
			return CategoryGuest
		case *track.StoreError:
			return CategoryStore
		}
		if err == context.Canceled || err == context.DeadlineExceeded {
			return CategoryResourceLimit
		}
		err = errors.Unwrap(err)
	}
	return CategoryUnknown
}

// IsInvariant reports whether [err] signals a kernel invariant violation.
func IsInvariant(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.invariant
}
