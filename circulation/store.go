/*
store.go - Persistence contracts consumed by the circulation workflow

PURPOSE:
  Defines the interface between the workflow and the database. The
  workflow never opens connections itself: a UnitOfWork is constructed by
  the application entry point and passed in.

KEY INTERFACES:
  MemberStore:    members, open-loan count, unpaid-fee total
  InventoryStore: per-(book, branch) available copies
  BorrowStore:    borrow records
  Stores:         the three above bound to one transaction
  UnitOfWork:     begin/commit/rollback as a closure (WithTx)
  CatalogStore:   books, branches, authors, inventory seeding
  QueryStore:     read-side listings (history, overdue, availability, search)

LOOKUPS:
  Get-style methods return (nil, nil) when the entity does not exist.
  Update-style methods return an error wrapping ErrNotFound instead.

ATOMICITY:
  WithTx runs fn against transaction-bound Stores. If fn returns an error,
  every write performed through those Stores is discarded. If fn returns
  nil, all writes become visible at once. Implementations must isolate
  concurrent WithTx calls so that two borrows cannot both act on the same
  stale inventory count.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - circulation/store/memory.go: in-memory for testing

SEE ALSO:
  - service.go: the only caller of WithTx
*/
package circulation

import (
	"context"
	"time"
)

// =============================================================================
// TRANSACTION-BOUND STORES
// =============================================================================

type MemberStore interface {
	Get(ctx context.Context, id MemberID) (*Member, error)

	// GetByContact looks a member up by email.
	GetByContact(ctx context.Context, email string) (*Member, error)

	Save(ctx context.Context, m Member) (MemberID, error)
	Update(ctx context.Context, m Member) error

	// CountOpenLoans counts the member's records with no return date.
	CountOpenLoans(ctx context.Context, id MemberID) (int, error)

	// SumUnpaidFees totals late fees according to the store's FeeBasis.
	SumUnpaidFees(ctx context.Context, id MemberID) (Amount, error)
}

type InventoryStore interface {
	// GetAvailable returns 0 when no inventory row exists.
	GetAvailable(ctx context.Context, bookID BookID, branchID BranchID) (int, error)

	// Adjust adds delta to the available count. It returns
	// ErrInsufficientCopies instead of driving the count below zero.
	Adjust(ctx context.Context, bookID BookID, branchID BranchID, delta int) error
}

type BorrowStore interface {
	Save(ctx context.Context, r BorrowRecord) (RecordID, error)
	Update(ctx context.Context, r BorrowRecord) error

	// FindOpen returns the single open record for (member, book).
	FindOpen(ctx context.Context, memberID MemberID, bookID BookID) (*BorrowRecord, error)

	Get(ctx context.Context, id RecordID) (*BorrowRecord, error)

	// SettleFees marks every returned, unsettled record of the member as
	// settled and returns the total of the fees settled.
	SettleFees(ctx context.Context, memberID MemberID) (Amount, error)
}

// Stores groups the stores bound to one transaction.
type Stores interface {
	Members() MemberStore
	Inventory() InventoryStore
	Borrows() BorrowStore
}

// UnitOfWork wraps one workflow operation in an atomic scope.
type UnitOfWork interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Stores) error) error
}

// =============================================================================
// CATALOG & QUERIES - No circulation invariants, plain reads and writes
// =============================================================================

type CatalogStore interface {
	SaveBook(ctx context.Context, b Book) (BookID, error)
	GetBook(ctx context.Context, id BookID) (*Book, error)
	GetBookByISBN(ctx context.Context, isbn string) (*Book, error)
	SaveBranch(ctx context.Context, b Branch) (BranchID, error)
	SaveAuthor(ctx context.Context, a Author) (AuthorID, error)
	LinkAuthor(ctx context.Context, bookID BookID, authorID AuthorID) error

	// SetInventory overwrites the available count for (book, branch).
	SetInventory(ctx context.Context, inv BranchInventory) error
}

type QueryStore interface {
	// History returns the member's records, newest borrow first.
	History(ctx context.Context, memberID MemberID, limit int) ([]BorrowRecord, error)

	// ActiveLoans returns the member's open records ordered by due date.
	ActiveLoans(ctx context.Context, memberID MemberID) ([]BorrowRecord, error)

	// Overdue returns open records due before asOf, oldest due date first.
	Overdue(ctx context.Context, asOf time.Time) ([]OverdueLoan, error)

	// Availability returns branches with at least one available copy,
	// ordered by branch name.
	Availability(ctx context.Context, bookID BookID) ([]BranchAvailability, error)

	SearchBooks(ctx context.Context, query string, by SearchField) ([]Book, error)
}
