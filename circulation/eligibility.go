/*
eligibility.go - Borrowing eligibility

A member may borrow when ALL of the following hold, checked in this order:
  1. membership end has not passed          -> MembershipExpired
  2. open loans < policy borrow limit         -> BorrowLimitExceeded
  3. unpaid fees <= FeeThreshold (10.00)      -> UnpaidFeesExceedThreshold

The check is pure: callers pass the counts and the current time, freshly
read for every borrow attempt.
*/
package circulation

import (
	"fmt"
	"time"
)

// DefaultFeeThreshold is the highest unpaid balance that still allows borrowing.
var DefaultFeeThreshold = MustParseAmount("10.00")

// EligibilityPolicy holds the library-wide eligibility parameters.
type EligibilityPolicy struct {
	FeeThreshold Amount
}

// DefaultEligibility returns the policy with the standard fee threshold.
func DefaultEligibility() EligibilityPolicy {
	return EligibilityPolicy{FeeThreshold: DefaultFeeThreshold}
}

// CanBorrow evaluates the default policy.
func CanBorrow(m Member, openLoans int, unpaid Amount, now time.Time) error {
	return DefaultEligibility().CanBorrow(m, openLoans, unpaid, now)
}

// CanBorrow returns nil if m may borrow, or an *IneligibleError.
func (p EligibilityPolicy) CanBorrow(m Member, openLoans int, unpaid Amount, now time.Time) error {
	if !m.IsActive(now) {
		return &IneligibleError{
			MemberID: m.ID,
			Reason:   KindMembershipExpired,
			Detail:   fmt.Sprintf("membership ended %s", m.MembershipEnd.Format("2006-01-02")),
		}
	}
	if openLoans >= m.Policy.BorrowLimit {
		return &IneligibleError{
			MemberID: m.ID,
			Reason:   KindBorrowLimitExceeded,
			Detail:   fmt.Sprintf("borrowing limit of %d books reached", m.Policy.BorrowLimit),
		}
	}
	if unpaid.GreaterThan(p.FeeThreshold) {
		return &IneligibleError{
			MemberID: m.ID,
			Reason:   KindUnpaidFeesExceedThreshold,
			Detail:   fmt.Sprintf("unpaid late fees of %s exceed %s", unpaid, p.FeeThreshold),
		}
	}
	return nil
}
