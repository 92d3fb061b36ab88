/*
errors.go - Error taxonomy for the circulation workflow

PURPOSE:
  Every failure a workflow operation can report, in one place. Callers
  (HTTP adapter, CLI, tests) match on the kind, never on message text.

ERROR CATEGORIES:
  1. Lookup errors      - NotFound, NoActiveBorrow
  2. Eligibility errors - MembershipExpired, BorrowLimitExceeded,
                          UnpaidFeesExceedThreshold
  3. Lifecycle errors   - BookUnavailable, AlreadyRenewed, AlreadyBorrowed
  4. Infrastructure     - PersistenceFailure (always propagated)

USAGE:
  _, err := svc.Borrow(ctx, memberID, bookID, branchID)
  switch circulation.KindOf(err) {
  case circulation.KindBookUnavailable:
      // try another branch
  }

  or with the standard library:

  if errors.Is(err, circulation.ErrBorrowLimitExceeded) { ... }

SEE ALSO:
  - eligibility.go: produces IneligibleError
  - service.go: classifies store failures as PersistenceError
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind names one class of failure.
type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindMembershipExpired         Kind = "membership_expired"
	KindBorrowLimitExceeded       Kind = "borrow_limit_exceeded"
	KindUnpaidFeesExceedThreshold Kind = "unpaid_fees_exceed_threshold"
	KindBookUnavailable           Kind = "book_unavailable"
	KindNoActiveBorrow            Kind = "no_active_borrow"
	KindAlreadyRenewed            Kind = "already_renewed"
	KindAlreadyBorrowed           Kind = "already_borrowed"
	KindInvalidInput              Kind = "invalid_input"
	KindPersistence               Kind = "persistence_failure"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound                  = errors.New("not found")
	ErrMembershipExpired         = errors.New("membership expired")
	ErrBorrowLimitExceeded       = errors.New("borrow limit exceeded")
	ErrUnpaidFeesExceedThreshold = errors.New("unpaid fees exceed threshold")
	ErrBookUnavailable           = errors.New("book unavailable")
	ErrNoActiveBorrow            = errors.New("no active borrow")
	ErrAlreadyRenewed            = errors.New("already renewed")
	ErrAlreadyBorrowed           = errors.New("book already borrowed by member")
	ErrInvalidInput              = errors.New("invalid input")
	ErrPersistence               = errors.New("persistence failure")

	// ErrInsufficientCopies is returned by InventoryStore.Adjust when a
	// negative delta would drive the available count below zero.
	ErrInsufficientCopies = errors.New("insufficient copies")
)

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrMembershipExpired, KindMembershipExpired},
	{ErrBorrowLimitExceeded, KindBorrowLimitExceeded},
	{ErrUnpaidFeesExceedThreshold, KindUnpaidFeesExceedThreshold},
	{ErrBookUnavailable, KindBookUnavailable},
	{ErrNoActiveBorrow, KindNoActiveBorrow},
	{ErrAlreadyRenewed, KindAlreadyRenewed},
	{ErrAlreadyBorrowed, KindAlreadyBorrowed},
	{ErrInvalidInput, KindInvalidInput},
	{ErrPersistence, KindPersistence},
}

// KindOf classifies err. Errors outside the taxonomy are infrastructure
// failures. KindOf(nil) is the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindPersistence
}

// Sentinel returns the sentinel error for a kind.
func (k Kind) Sentinel() error {
	for _, s := range sentinels {
		if s.kind == k {
			return s.err
		}
	}
	return ErrPersistence
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "member", "book", "branch", "record", "inventory"
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IneligibleError explains why a member may not borrow.
type IneligibleError struct {
	MemberID MemberID
	Reason   Kind
	Detail   string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("member %d cannot borrow: %s", e.MemberID, e.Detail)
}

func (e *IneligibleError) Unwrap() error { return e.Reason.Sentinel() }

// UnavailableError reports that a branch has no copy to lend.
type UnavailableError struct {
	BookID   BookID
	BranchID BranchID
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("book %d is not available at branch %d", e.BookID, e.BranchID)
}

func (e *UnavailableError) Unwrap() error { return ErrBookUnavailable }

// LoanError is a lifecycle failure on a (member, book) loan.
type LoanError struct {
	MemberID MemberID
	BookID   BookID
	Kind     Kind
}

func (e *LoanError) Error() string {
	switch e.Kind {
	case KindNoActiveBorrow:
		return fmt.Sprintf("no active borrow of book %d by member %d", e.BookID, e.MemberID)
	case KindAlreadyRenewed:
		return fmt.Sprintf("loan of book %d by member %d was already renewed once", e.BookID, e.MemberID)
	case KindAlreadyBorrowed:
		return fmt.Sprintf("member %d already has book %d on loan", e.MemberID, e.BookID)
	}
	return fmt.Sprintf("loan of book %d by member %d: %s", e.BookID, e.MemberID, e.Kind)
}

func (e *LoanError) Unwrap() error { return e.Kind.Sentinel() }

// PersistenceError wraps a store or transaction failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// UnknownMemberTypeError is returned when no policy exists for a member type.
type UnknownMemberTypeError struct {
	Type MemberType
}

func (e *UnknownMemberTypeError) Error() string {
	return fmt.Sprintf("unknown member type %q", e.Type)
}

func (e *UnknownMemberTypeError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the request or the
// member's situation; false for infrastructure failures.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindPersistence
}

// IsNotFound returns true if the error indicates a missing entity or loan.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoActiveBorrow)
}

// classify leaves taxonomy errors untouched and wraps everything else as a
// PersistenceError for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindPersistence {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
