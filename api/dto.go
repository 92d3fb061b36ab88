/*
dto.go - Data Transfer Objects for HTTP API

PURPOSE:
  Defines request and response structures for the REST API.
  Separates API contract from internal domain types.

WHY DTOs?
  - Domain types may have internal fields not for API
  - API may need computed fields (status, overdue)
  - Versioning: can change API without changing domain

CONVENTIONS:
  - JSON tags use snake_case
  - Dates as RFC3339 strings in responses, YYYY-MM-DD accepted on input
  - Money as fixed two-decimal strings ("12.50"), never floats
  - Optional fields use omitempty

SEE ALSO:
  - handlers.go: Uses these DTOs
  - circulation/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/library-circulation/circulation"
)

// =============================================================================
// LOAN DTOs
// =============================================================================

// LoanRequest is the body of borrow, return and renew calls.
// BranchID is only read by borrow.
type LoanRequest struct {
	MemberID int64 `json:"member_id"`
	BookID   int64 `json:"book_id"`
	BranchID int64 `json:"branch_id,omitempty"`
}

// BorrowRecordDTO is a loan as seen by API clients.
type BorrowRecordDTO struct {
	ID         int64   `json:"id"`
	Reference  string  `json:"reference,omitempty"`
	MemberID   int64   `json:"member_id"`
	BookID     int64   `json:"book_id"`
	BranchID   int64   `json:"branch_id"`
	BorrowDate string  `json:"borrow_date"`
	DueDate    string  `json:"due_date"`
	ReturnDate *string `json:"return_date,omitempty"`
	LateFee    string  `json:"late_fee"`
	Renewed    bool    `json:"renewed"`
	FeeSettled bool    `json:"fee_settled"`
	Status     string  `json:"status"`
	Overdue    bool    `json:"overdue"`
}

// ReturnResponse reports the outcome of a return.
type ReturnResponse struct {
	Record     BorrowRecordDTO `json:"record"`
	LateFee    string          `json:"late_fee"`
	IsOverdue  bool            `json:"is_overdue"`
	ReturnDate string          `json:"return_date"`
}

// OverdueLoanDTO is an overdue loan with book and member context.
type OverdueLoanDTO struct {
	Record      BorrowRecordDTO `json:"record"`
	Title       string          `json:"title"`
	ISBN        string          `json:"isbn"`
	MemberName  string          `json:"member_name"`
	MemberEmail string          `json:"member_email"`
	DaysOverdue int             `json:"days_overdue"`
}

// =============================================================================
// MEMBER DTOs
// =============================================================================

// CreateMemberRequest registers a member.
type CreateMemberRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	MemberType      string `json:"member_type"`
	MembershipStart string `json:"membership_start"` // YYYY-MM-DD
	MembershipEnd   string `json:"membership_end"`   // YYYY-MM-DD
}

// MemberDTO is a member with their current standing.
type MemberDTO struct {
	ID              int64     `json:"id"`
	FullName        string    `json:"full_name"`
	Email           string    `json:"email"`
	Phone           string    `json:"phone,omitempty"`
	MemberType      string    `json:"member_type"`
	MembershipStart string    `json:"membership_start"`
	MembershipEnd   string    `json:"membership_end"`
	TotalBorrowed   int       `json:"total_borrowed"`
	Policy          PolicyDTO `json:"policy"`
	OpenLoans       int       `json:"open_loans"`
	UnpaidFees      string    `json:"unpaid_fees"`
	CanBorrow       bool      `json:"can_borrow"`
	BlockedReason   string    `json:"blocked_reason,omitempty"`
}

// PolicyDTO is the lending policy of one member type.
type PolicyDTO struct {
	MemberType     string `json:"member_type,omitempty"`
	BorrowLimit    int    `json:"borrow_limit"`
	LoanPeriodDays int    `json:"loan_period_days"`
	LateFeePerDay  string `json:"late_fee_per_day"`
}

// SettleResponse reports fees marked as paid.
type SettleResponse struct {
	MemberID int64  `json:"member_id"`
	Settled  string `json:"settled"`
}

// =============================================================================
// CATALOG DTOs
// =============================================================================

type AuthorDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Nationality string `json:"nationality,omitempty"`
}

type BookDTO struct {
	ID              int64       `json:"id"`
	ISBN            string      `json:"isbn"`
	Title           string      `json:"title"`
	PublicationYear int         `json:"publication_year,omitempty"`
	Category        string      `json:"category,omitempty"`
	TotalCopies     int         `json:"total_copies"`
	Authors         []AuthorDTO `json:"authors"`
}

type BranchAvailabilityDTO struct {
	BranchID        int64  `json:"branch_id"`
	Name            string `json:"name"`
	Location        string `json:"location"`
	OperatingHours  string `json:"operating_hours,omitempty"`
	AvailableCopies int    `json:"available_copies"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatDate(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toRecordDTO(r circulation.BorrowRecord, now time.Time) BorrowRecordDTO {
	dto := BorrowRecordDTO{
		ID:         int64(r.ID),
		Reference:  r.Reference,
		MemberID:   int64(r.MemberID),
		BookID:     int64(r.BookID),
		BranchID:   int64(r.BranchID),
		BorrowDate: formatDate(r.BorrowDate),
		DueDate:    formatDate(r.DueDate),
		LateFee:    r.LateFee.String(),
		Renewed:    r.Renewed,
		FeeSettled: r.FeeSettled,
		Status:     string(r.Status()),
		Overdue:    r.IsOverdue(now),
	}
	if r.ReturnDate != nil {
		s := formatDate(*r.ReturnDate)
		dto.ReturnDate = &s
	}
	return dto
}

func toRecordDTOs(records []circulation.BorrowRecord, now time.Time) []BorrowRecordDTO {
	dtos := make([]BorrowRecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toRecordDTO(r, now)
	}
	return dtos
}

func toPolicyDTO(mt circulation.MemberType, p circulation.PolicyParams) PolicyDTO {
	return PolicyDTO{
		MemberType:     string(mt),
		BorrowLimit:    p.BorrowLimit,
		LoanPeriodDays: p.LoanPeriodDays,
		LateFeePerDay:  p.LateFeePerDay.String(),
	}
}

func toMemberDTO(acct circulation.Account) MemberDTO {
	m := acct.Member
	dto := MemberDTO{
		ID:              int64(m.ID),
		FullName:        m.FullName,
		Email:           m.Email,
		Phone:           m.Phone,
		MemberType:      string(m.Type),
		MembershipStart: formatDate(m.MembershipStart),
		MembershipEnd:   formatDate(m.MembershipEnd),
		TotalBorrowed:   m.TotalBorrowed,
		Policy:          toPolicyDTO("", m.Policy),
		OpenLoans:       acct.OpenLoans,
		UnpaidFees:      acct.UnpaidFees.String(),
		CanBorrow:       acct.Eligibility == nil,
	}
	if acct.Eligibility != nil {
		dto.BlockedReason = string(circulation.KindOf(acct.Eligibility))
	}
	return dto
}

func toBookDTO(b circulation.Book) BookDTO {
	dto := BookDTO{
		ID:              int64(b.ID),
		ISBN:            b.ISBN,
		Title:           b.Title,
		PublicationYear: b.PublicationYear,
		Category:        b.Category,
		TotalCopies:     b.TotalCopies,
		Authors:         make([]AuthorDTO, len(b.Authors)),
	}
	for i, a := range b.Authors {
		dto.Authors[i] = AuthorDTO{ID: int64(a.ID), Name: a.Name, Nationality: a.Nationality}
	}
	return dto
}
