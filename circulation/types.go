/*
Package circulation implements the borrow/return/renew workflow of a library.

PURPOSE:
  Members borrow and return books across branches, subject to eligibility
  rules (active membership, borrowing limits, unpaid fees) and per-branch
  inventory. Every workflow operation checks its preconditions and applies
  its effects to member, inventory and borrow record as ONE unit of work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: money with 2-digit precision, backed by decimal.Decimal
  - Member: identity + membership window + attached PolicyParams
  - Book, Branch, Author: catalog metadata
  - BranchInventory: available copies per (book, branch)
  - BorrowRecord: one loan, OPEN until a return date is set

DESIGN PRINCIPLES:
  1. Explicit time: nothing in this package reads the wall clock except
     the Service's injected Clock
  2. Precision: fees use decimal.Decimal, never float64
  3. Type safety: distinct ID types for members, books, branches, records

SEE ALSO:
  - eligibility.go: may this member borrow right now?
  - fees.go: late fee and overdue computations
  - service.go: the transactional workflow
  - store.go: repository contracts consumed by the workflow
*/
package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with 2-digit precision
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount { return Amount{Value: decimal.NewFromFloat(value)} }
func ZeroAmount() Amount             { return Amount{Value: decimal.Zero} }

// ParseAmount parses a decimal string such as "10.00".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for constants; it panics on malformed input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) MulInt(n int) Amount       { return Amount{Value: a.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (a Amount) Round() Amount             { return Amount{Value: a.Value.Round(2)} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) String() string            { return a.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID int64
type BookID int64
type BranchID int64
type AuthorID int64
type RecordID int64

// =============================================================================
// MEMBER - Policy parameters selected by member type
// =============================================================================

type MemberType string

const (
	MemberStudent MemberType = "student"
	MemberFaculty MemberType = "faculty"
)

// PolicyParams are the circulation limits attached to a member.
type PolicyParams struct {
	BorrowLimit    int
	LoanPeriodDays int
	LateFeePerDay  Amount
}

// PolicyTable maps each member type to its parameters.
type PolicyTable map[MemberType]PolicyParams

// DefaultPolicies returns the standard student and faculty parameters.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		MemberStudent: {BorrowLimit: 3, LoanPeriodDays: 14, LateFeePerDay: MustParseAmount("0.50")},
		MemberFaculty: {BorrowLimit: 10, LoanPeriodDays: 30, LateFeePerDay: MustParseAmount("0.25")},
	}
}

// For returns the parameters for a member type.
func (t PolicyTable) For(mt MemberType) (PolicyParams, error) {
	p, ok := t[mt]
	if !ok {
		return PolicyParams{}, &UnknownMemberTypeError{Type: mt}
	}
	return p, nil
}

// Member is a registered library member.
//
// Policy is not persisted; stores attach it from their PolicyTable when a
// member is loaded, keyed by Type.
type Member struct {
	ID              MemberID
	FullName        string
	Email           string
	Phone           string
	Type            MemberType
	MembershipStart time.Time
	MembershipEnd   time.Time
	TotalBorrowed   int
	Policy          PolicyParams
}

// IsActive reports whether the membership window still covers now. The
// window is inclusive of the whole end day.
func (m Member) IsActive(now time.Time) bool {
	return !dateOf(now).After(dateOf(m.MembershipEnd))
}

// dateOf truncates t to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CATALOG
// =============================================================================

type Book struct {
	ID              BookID
	ISBN            string
	Title           string
	PublicationYear int
	Category        string
	TotalCopies     int
	Authors         []Author
}

type Author struct {
	ID           AuthorID
	Name         string
	Biography    string
	Nationality  string
	BirthDate    *time.Time
	DeathDate    *time.Time
	PrimaryGenre string
}

type Branch struct {
	ID             BranchID
	Name           string
	Location       string
	OperatingHours string
	ContactPhone   string
	ContactEmail   string
}

// BranchInventory is the lendable copy count of one book at one branch.
// AvailableCopies is never negative.
type BranchInventory struct {
	BookID          BookID
	BranchID        BranchID
	AvailableCopies int
}

// =============================================================================
// BORROW RECORD - OPEN until returned; renewable once while OPEN
// =============================================================================

type RecordStatus string

const (
	StatusOpen     RecordStatus = "open"
	StatusReturned RecordStatus = "returned"
)

type BorrowRecord struct {
	ID         RecordID
	Reference  string // external reference, stable across stores
	MemberID   MemberID
	BookID     BookID
	BranchID   BranchID
	BorrowDate time.Time
	DueDate    time.Time
	ReturnDate *time.Time
	LateFee    Amount
	Renewed    bool
	FeeSettled bool
}

func (r BorrowRecord) IsOpen() bool { return r.ReturnDate == nil }

func (r BorrowRecord) Status() RecordStatus {
	if r.IsOpen() {
		return StatusOpen
	}
	return StatusReturned
}

// IsOverdue reports whether the record is still open and past due at now.
func (r BorrowRecord) IsOverdue(now time.Time) bool {
	return IsOverdue(r.DueDate, r.ReturnDate, now)
}

// ReturnResult is what Return reports back to the caller.
type ReturnResult struct {
	Record     BorrowRecord
	LateFee    Amount
	IsOverdue  bool
	ReturnDate time.Time
}

// =============================================================================
// READ MODELS
// =============================================================================

// OverdueLoan is an open, past-due record joined with its book and member.
type OverdueLoan struct {
	Record      BorrowRecord
	Title       string
	ISBN        string
	MemberName  string
	MemberEmail string
}

// BranchAvailability is a branch that currently has copies of a book.
type BranchAvailability struct {
	Branch          Branch
	AvailableCopies int
}

type SearchField string

const (
	SearchByTitle  SearchField = "title"
	SearchByAuthor SearchField = "author"
	SearchByISBN   SearchField = "isbn"
)

// FeeBasis selects which late fees count as a member's unpaid balance.
type FeeBasis string

const (
	// FeesOpenRecords sums fees stored on records that are not yet returned.
	FeesOpenRecords FeeBasis = "open_records"
	// FeesReturnedUnpaid sums fees on returned records that were not settled.
	FeesReturnedUnpaid FeeBasis = "returned_unpaid"
	// FeesAllUnsettled sums both of the above.
	FeesAllUnsettled FeeBasis = "all_unsettled"
)

// Counts reports whether a record's fee belongs to the unpaid balance.
func (b FeeBasis) Counts(r BorrowRecord) bool {
	switch b {
	case FeesReturnedUnpaid:
		return !r.IsOpen() && !r.FeeSettled
	case FeesAllUnsettled:
		return !r.FeeSettled
	default:
		return r.IsOpen()
	}
}

// Valid reports whether b is a known basis.
func (b FeeBasis) Valid() bool {
	switch b {
	case FeesOpenRecords, FeesReturnedUnpaid, FeesAllUnsettled:
		return true
	}
	return false
}
