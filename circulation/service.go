package circulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERVICE - Borrow / return / renew with transactional guarantees
// =============================================================================

// Clock returns the current time. Injected so every date decision in the
// workflow is deterministic under test.
type Clock func() time.Time

// Service orchestrates circulation. It holds no entity state between calls:
// every decision re-reads the stores inside the operation's transaction.
type Service struct {
	uow     UnitOfWork
	queries QueryStore
	policy  EligibilityPolicy
	clock   Clock
	log     *slog.Logger
	newRef  func() string
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger; nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEligibility replaces the default eligibility parameters.
func WithEligibility(p EligibilityPolicy) Option { return func(s *Service) { s.policy = p } }

// WithQueries enables the read-side methods (History, Overdue, ...).
func WithQueries(q QueryStore) Option { return func(s *Service) { s.queries = q } }

// NewService creates a workflow service on top of uow.
func NewService(uow UnitOfWork, opts ...Option) *Service {
	s := &Service{
		uow:    uow,
		policy: DefaultEligibility(),
		clock:  time.Now,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		newRef: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock() }

// Eligibility returns the policy Borrow checks members against.
func (s *Service) Eligibility() EligibilityPolicy { return s.policy }

// =============================================================================
// BORROW
// =============================================================================

// Borrow lends one copy of bookID at branchID to memberID.
//
// Within one transaction it loads the member, checks eligibility against a
// fresh open-loan count and unpaid total, checks branch inventory, then
// writes the new OPEN record, decrements inventory and increments the
// member's borrowed counter. Any failure discards all three writes.
func (s *Service) Borrow(ctx context.Context, memberID MemberID, bookID BookID, branchID BranchID) (BorrowRecord, error) {
	log := s.log.With("op", "borrow", "member_id", memberID, "book_id", bookID, "branch_id", branchID)
	log.Debug("starting")

	now := s.clock()
	var record BorrowRecord

	err := s.uow.WithTx(ctx, func(st Stores) error {
		member, err := st.Members().Get(ctx, memberID)
		if err != nil {
			return classify("load member", err)
		}
		if member == nil {
			return &NotFoundError{Entity: "member", ID: int64(memberID)}
		}

		openLoans, err := st.Members().CountOpenLoans(ctx, memberID)
		if err != nil {
			return classify("count open loans", err)
		}
		unpaid, err := st.Members().SumUnpaidFees(ctx, memberID)
		if err != nil {
			return classify("sum unpaid fees", err)
		}
		if err := s.policy.CanBorrow(*member, openLoans, unpaid, now); err != nil {
			return err
		}

		existing, err := st.Borrows().FindOpen(ctx, memberID, bookID)
		if err != nil {
			return classify("find open record", err)
		}
		if existing != nil {
			return &LoanError{MemberID: memberID, BookID: bookID, Kind: KindAlreadyBorrowed}
		}

		available, err := st.Inventory().GetAvailable(ctx, bookID, branchID)
		if err != nil {
			return classify("read inventory", err)
		}
		if available <= 0 {
			return &UnavailableError{BookID: bookID, BranchID: branchID}
		}

		record = BorrowRecord{
			Reference:  s.newRef(),
			MemberID:   memberID,
			BookID:     bookID,
			BranchID:   branchID,
			BorrowDate: now,
			DueDate:    DueDate(now, member.Policy.LoanPeriodDays),
			LateFee:    ZeroAmount(),
		}
		id, err := st.Borrows().Save(ctx, record)
		if err != nil {
			return classify("save record", err)
		}
		record.ID = id

		if err := st.Inventory().Adjust(ctx, bookID, branchID, -1); err != nil {
			if errors.Is(err, ErrInsufficientCopies) {
				return &UnavailableError{BookID: bookID, BranchID: branchID}
			}
			return classify("decrement inventory", err)
		}

		member.TotalBorrowed++
		if err := st.Members().Update(ctx, *member); err != nil {
			return classify("update member", err)
		}
		return nil
	})
	if err != nil {
		s.logFailure(log, err)
		return BorrowRecord{}, classify("borrow", err)
	}

	log.Info("book borrowed", "record_id", record.ID, "due_date", record.DueDate)
	return record, nil
}

// =============================================================================
// RETURN
// =============================================================================

// Return closes the member's open loan of bookID.
//
// The late fee is computed only if the loan was overdue at the moment of
// return; otherwise the stored fee is left as it was. The record update and
// the inventory increment are committed together.
func (s *Service) Return(ctx context.Context, memberID MemberID, bookID BookID) (ReturnResult, error) {
	log := s.log.With("op", "return", "member_id", memberID, "book_id", bookID)
	log.Debug("starting")

	now := s.clock()
	var result ReturnResult

	err := s.uow.WithTx(ctx, func(st Stores) error {
		record, err := st.Borrows().FindOpen(ctx, memberID, bookID)
		if err != nil {
			return classify("find open record", err)
		}
		if record == nil {
			return &LoanError{MemberID: memberID, BookID: bookID, Kind: KindNoActiveBorrow}
		}

		member, err := st.Members().Get(ctx, memberID)
		if err != nil {
			return classify("load member", err)
		}
		if member == nil {
			return &NotFoundError{Entity: "member", ID: int64(memberID)}
		}

		overdue := record.IsOverdue(now)
		returned := now
		record.ReturnDate = &returned
		if overdue {
			record.LateFee = CalculateLateFee(record.DueDate, now, member.Policy.LateFeePerDay)
		}

		if err := st.Borrows().Update(ctx, *record); err != nil {
			return classify("update record", err)
		}
		if err := st.Inventory().Adjust(ctx, record.BookID, record.BranchID, 1); err != nil {
			return classify("increment inventory", err)
		}

		result = ReturnResult{
			Record:     *record,
			LateFee:    record.LateFee,
			IsOverdue:  overdue,
			ReturnDate: returned,
		}
		return nil
	})
	if err != nil {
		s.logFailure(log, err)
		return ReturnResult{}, classify("return", err)
	}

	log.Info("book returned", "record_id", result.Record.ID, "overdue", result.IsOverdue, "late_fee", result.LateFee.String())
	return result, nil
}

// =============================================================================
// RENEW
// =============================================================================

// Renew extends the member's open loan of bookID once.
//
// The new due date is the CURRENT due date plus the member's loan period,
// not today plus the loan period, so renewing an overdue loan does not
// forgive the days already late.
func (s *Service) Renew(ctx context.Context, memberID MemberID, bookID BookID) (BorrowRecord, error) {
	log := s.log.With("op", "renew", "member_id", memberID, "book_id", bookID)
	log.Debug("starting")

	var record BorrowRecord

	err := s.uow.WithTx(ctx, func(st Stores) error {
		open, err := st.Borrows().FindOpen(ctx, memberID, bookID)
		if err != nil {
			return classify("find open record", err)
		}
		if open == nil {
			return &LoanError{MemberID: memberID, BookID: bookID, Kind: KindNoActiveBorrow}
		}
		if open.Renewed {
			return &LoanError{MemberID: memberID, BookID: bookID, Kind: KindAlreadyRenewed}
		}

		member, err := st.Members().Get(ctx, memberID)
		if err != nil {
			return classify("load member", err)
		}
		if member == nil {
			return &NotFoundError{Entity: "member", ID: int64(memberID)}
		}

		open.DueDate = DueDate(open.DueDate, member.Policy.LoanPeriodDays)
		open.Renewed = true
		if err := st.Borrows().Update(ctx, *open); err != nil {
			return classify("update record", err)
		}
		record = *open
		return nil
	})
	if err != nil {
		s.logFailure(log, err)
		return BorrowRecord{}, classify("renew", err)
	}

	log.Info("loan renewed", "record_id", record.ID, "due_date", record.DueDate)
	return record, nil
}

// =============================================================================
// MEMBERS & FEES
// =============================================================================

// RegisterMember validates and persists a new member. TotalBorrowed starts
// at zero regardless of the input.
func (s *Service) RegisterMember(ctx context.Context, m Member) (Member, error) {
	if m.FullName == "" || m.Email == "" {
		return Member{}, fmt.Errorf("%w: name and email are required", ErrInvalidInput)
	}
	if m.MembershipEnd.Before(m.MembershipStart) {
		return Member{}, fmt.Errorf("%w: membership ends before it starts", ErrInvalidInput)
	}
	m.TotalBorrowed = 0

	err := s.uow.WithTx(ctx, func(st Stores) error {
		existing, err := st.Members().GetByContact(ctx, m.Email)
		if err != nil {
			return classify("lookup member", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: email %s already registered", ErrInvalidInput, m.Email)
		}
		id, err := st.Members().Save(ctx, m)
		if err != nil {
			return classify("save member", err)
		}
		saved, err := st.Members().Get(ctx, id)
		if err != nil {
			return classify("reload member", err)
		}
		if saved == nil {
			return &NotFoundError{Entity: "member", ID: int64(id)}
		}
		m = *saved
		return nil
	})
	if err != nil {
		return Member{}, classify("register member", err)
	}
	s.log.Info("member registered", "member_id", m.ID, "type", m.Type)
	return m, nil
}

// Member returns a member by id.
func (s *Service) Member(ctx context.Context, id MemberID) (Member, error) {
	var m Member
	err := s.uow.WithTx(ctx, func(st Stores) error {
		found, err := st.Members().Get(ctx, id)
		if err != nil {
			return classify("load member", err)
		}
		if found == nil {
			return &NotFoundError{Entity: "member", ID: int64(id)}
		}
		m = *found
		return nil
	})
	if err != nil {
		return Member{}, classify("get member", err)
	}
	return m, nil
}

// Account is a member together with the figures eligibility is decided on.
type Account struct {
	Member      Member
	OpenLoans   int
	UnpaidFees  Amount
	Eligibility error // nil when the member may borrow now
}

// Account reports the member's current standing without changing anything.
func (s *Service) Account(ctx context.Context, id MemberID) (Account, error) {
	now := s.clock()
	var acct Account
	err := s.uow.WithTx(ctx, func(st Stores) error {
		m, err := st.Members().Get(ctx, id)
		if err != nil {
			return classify("load member", err)
		}
		if m == nil {
			return &NotFoundError{Entity: "member", ID: int64(id)}
		}
		open, err := st.Members().CountOpenLoans(ctx, id)
		if err != nil {
			return classify("count open loans", err)
		}
		unpaid, err := st.Members().SumUnpaidFees(ctx, id)
		if err != nil {
			return classify("sum unpaid fees", err)
		}
		acct = Account{
			Member:      *m,
			OpenLoans:   open,
			UnpaidFees:  unpaid,
			Eligibility: s.policy.CanBorrow(*m, open, unpaid, now),
		}
		return nil
	})
	if err != nil {
		return Account{}, classify("account", err)
	}
	return acct, nil
}

// SettleFees marks the member's returned late fees as paid.
func (s *Service) SettleFees(ctx context.Context, memberID MemberID) (Amount, error) {
	var settled Amount
	err := s.uow.WithTx(ctx, func(st Stores) error {
		m, err := st.Members().Get(ctx, memberID)
		if err != nil {
			return classify("load member", err)
		}
		if m == nil {
			return &NotFoundError{Entity: "member", ID: int64(memberID)}
		}
		settled, err = st.Borrows().SettleFees(ctx, memberID)
		return classify("settle fees", err)
	})
	if err != nil {
		return Amount{}, classify("settle fees", err)
	}
	s.log.Info("fees settled", "member_id", memberID, "amount", settled.String())
	return settled, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

var errNoQueries = &PersistenceError{Op: "query", Err: errors.New("service has no query store")}

// History returns up to limit records for the member, newest first.
// A non-positive limit means 10.
func (s *Service) History(ctx context.Context, memberID MemberID, limit int) ([]BorrowRecord, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	if limit <= 0 {
		limit = 10
	}
	records, err := s.queries.History(ctx, memberID, limit)
	return records, classify("history", err)
}

func (s *Service) ActiveLoans(ctx context.Context, memberID MemberID) ([]BorrowRecord, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	records, err := s.queries.ActiveLoans(ctx, memberID)
	return records, classify("active loans", err)
}

// Overdue lists every open loan past due as of the service clock.
func (s *Service) Overdue(ctx context.Context) ([]OverdueLoan, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	loans, err := s.queries.Overdue(ctx, s.clock())
	return loans, classify("overdue", err)
}

func (s *Service) Availability(ctx context.Context, bookID BookID) ([]BranchAvailability, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	branches, err := s.queries.Availability(ctx, bookID)
	return branches, classify("availability", err)
}

// SearchBooks searches by title, author or ISBN. Unknown fields match nothing.
func (s *Service) SearchBooks(ctx context.Context, query string, by SearchField) ([]Book, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	switch by {
	case SearchByTitle, SearchByAuthor, SearchByISBN:
	default:
		return []Book{}, nil
	}
	books, err := s.queries.SearchBooks(ctx, query, by)
	return books, classify("search books", err)
}

func (s *Service) logFailure(log *slog.Logger, err error) {
	if IsClientError(err) {
		log.Warn("refused", "kind", KindOf(err), "error", err)
		return
	}
	log.Error("failed", "kind", KindOf(err), "error", err)
}
