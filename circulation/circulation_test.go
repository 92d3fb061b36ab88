package circulation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan1 = time.Date(2025, time.January, 1, 10, 0, 0, 0, time.UTC)

func student(end time.Time) Member {
	return Member{
		ID:              1,
		FullName:        "Test Student",
		Type:            MemberStudent,
		MembershipStart: jan1.AddDate(-1, 0, 0),
		MembershipEnd:   end,
		Policy:          DefaultPolicies()[MemberStudent],
	}
}

// =============================================================================
// FEES
// =============================================================================

func TestDaysLate(t *testing.T) {
	tests := []struct {
		name string
		ref  time.Time
		want int
	}{
		{"before due", jan1.Add(-time.Hour), 0},
		{"exactly due", jan1, 0},
		{"23 hours late", jan1.Add(23 * time.Hour), 0},
		{"one day late", jan1.Add(24 * time.Hour), 1},
		{"three and a half days late", jan1.Add(84 * time.Hour), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysLate(jan1, tt.ref))
		})
	}
}

func TestCalculateLateFee(t *testing.T) {
	fee := MustParseAmount("0.50")

	assert.Equal(t, "0.00", CalculateLateFee(jan1, jan1, fee).String())
	assert.Equal(t, "0.00", CalculateLateFee(jan1, jan1.Add(-48*time.Hour), fee).String())
	assert.Equal(t, "1.50", CalculateLateFee(jan1, jan1.AddDate(0, 0, 3), fee).String())
	assert.Equal(t, "0.75", CalculateLateFee(jan1, jan1.AddDate(0, 0, 3), MustParseAmount("0.25")).String())
}

func TestIsOverdue(t *testing.T) {
	returned := jan1.AddDate(0, 0, 5)

	assert.False(t, IsOverdue(jan1, nil, jan1), "due now is not overdue")
	assert.True(t, IsOverdue(jan1, nil, jan1.Add(time.Second)))
	assert.False(t, IsOverdue(jan1, &returned, jan1.AddDate(0, 0, 10)), "returned loans are never overdue")
}

func TestDueDate(t *testing.T) {
	assert.True(t, DueDate(jan1, 14).Equal(time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)))
	assert.True(t, DueDate(jan1, 30).Equal(time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC)))
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestCanBorrow_Eligible(t *testing.T) {
	m := student(jan1.AddDate(1, 0, 0))
	assert.NoError(t, CanBorrow(m, 0, ZeroAmount(), jan1))
	assert.NoError(t, CanBorrow(m, 2, MustParseAmount("10.00"), jan1), "threshold itself is allowed")
}

func TestCanBorrow_MembershipEndsToday(t *testing.T) {
	m := student(jan1)
	assert.NoError(t, CanBorrow(m, 0, ZeroAmount(), jan1))
	assert.NoError(t, CanBorrow(m, 0, ZeroAmount(), jan1.Add(time.Second)))

	err := CanBorrow(m, 0, ZeroAmount(), jan1.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrMembershipExpired)
}

func TestCanBorrow_EndDateIsWholeDay(t *testing.T) {
	// GIVEN: a membership ending on a plain date (stored as midnight)
	end, err := time.Parse("2006-01-02", "2026-12-31")
	require.NoError(t, err)
	m := student(end)

	// THEN: the member can borrow at noon and just before midnight on that day
	assert.NoError(t, CanBorrow(m, 0, ZeroAmount(), end.Add(12*time.Hour)))
	assert.NoError(t, CanBorrow(m, 0, ZeroAmount(), end.Add(24*time.Hour-time.Nanosecond)))

	// AND: the next day is expired
	assert.Equal(t, KindMembershipExpired, KindOf(CanBorrow(m, 0, ZeroAmount(), end.Add(24*time.Hour))))
}

func TestCanBorrow_LimitReached(t *testing.T) {
	m := student(jan1.AddDate(1, 0, 0))
	err := CanBorrow(m, 3, ZeroAmount(), jan1)

	var ie *IneligibleError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindBorrowLimitExceeded, ie.Reason)
	assert.Equal(t, KindBorrowLimitExceeded, KindOf(err))
}

func TestCanBorrow_FeesOverThreshold(t *testing.T) {
	m := student(jan1.AddDate(1, 0, 0))
	err := CanBorrow(m, 0, MustParseAmount("10.01"), jan1)
	assert.ErrorIs(t, err, ErrUnpaidFeesExceedThreshold)

	lenient := EligibilityPolicy{FeeThreshold: MustParseAmount("20.00")}
	assert.NoError(t, lenient.CanBorrow(m, 0, MustParseAmount("10.01"), jan1))
}

func TestCanBorrow_OrderOfChecks(t *testing.T) {
	// GIVEN: a member failing every check at once
	// THEN: expiry is reported first, then the limit
	m := student(jan1.AddDate(0, 0, -1))
	assert.Equal(t, KindMembershipExpired, KindOf(CanBorrow(m, 5, MustParseAmount("50"), jan1)))

	m = student(jan1.AddDate(1, 0, 0))
	assert.Equal(t, KindBorrowLimitExceeded, KindOf(CanBorrow(m, 5, MustParseAmount("50"), jan1)))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{&NotFoundError{Entity: "member", ID: 7}, KindNotFound},
		{&UnavailableError{BookID: 1, BranchID: 2}, KindBookUnavailable},
		{&LoanError{Kind: KindAlreadyRenewed}, KindAlreadyRenewed},
		{&LoanError{Kind: KindNoActiveBorrow}, KindNoActiveBorrow},
		{&UnknownMemberTypeError{Type: "alumni"}, KindInvalidInput},
		{fmt.Errorf("wrapped: %w", ErrAlreadyBorrowed), KindAlreadyBorrowed},
		{errors.New("disk full"), KindPersistence},
		{&PersistenceError{Op: "save", Err: errors.New("locked")}, KindPersistence},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestClassify(t *testing.T) {
	refusal := &UnavailableError{BookID: 1, BranchID: 1}
	assert.Same(t, refusal, classify("borrow", refusal).(*UnavailableError))

	cause := errors.New("database is locked")
	err := classify("save record", cause)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "save record", pe.Op)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)

	assert.Same(t, pe, classify("borrow", err).(*PersistenceError), "not wrapped twice")
	assert.NoError(t, classify("noop", nil))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(&IneligibleError{Reason: KindMembershipExpired}))
	assert.True(t, IsNotFound(&LoanError{Kind: KindNoActiveBorrow}))
	assert.False(t, IsClientError(errors.New("io")))
	assert.False(t, IsClientError(nil))
}

// =============================================================================
// TYPES
// =============================================================================

func TestPolicyTable_For(t *testing.T) {
	table := DefaultPolicies()

	p, err := table.For(MemberFaculty)
	require.NoError(t, err)
	assert.Equal(t, 10, p.BorrowLimit)
	assert.Equal(t, 30, p.LoanPeriodDays)
	assert.Equal(t, "0.25", p.LateFeePerDay.String())

	_, err = table.For("alumni")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFeeBasis_Counts(t *testing.T) {
	returned := jan1
	open := BorrowRecord{LateFee: MustParseAmount("1.00")}
	unpaid := BorrowRecord{ReturnDate: &returned, LateFee: MustParseAmount("1.00")}
	settled := BorrowRecord{ReturnDate: &returned, LateFee: MustParseAmount("1.00"), FeeSettled: true}

	assert.True(t, FeesOpenRecords.Counts(open))
	assert.False(t, FeesOpenRecords.Counts(unpaid))

	assert.False(t, FeesReturnedUnpaid.Counts(open))
	assert.True(t, FeesReturnedUnpaid.Counts(unpaid))
	assert.False(t, FeesReturnedUnpaid.Counts(settled))

	assert.True(t, FeesAllUnsettled.Counts(open))
	assert.True(t, FeesAllUnsettled.Counts(unpaid))
	assert.False(t, FeesAllUnsettled.Counts(settled))

	assert.False(t, FeeBasis("sometimes").Valid())
}
