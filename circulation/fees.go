package circulation

import "time"

// DaysLate returns the number of whole 24-hour days by which reference
// exceeds due. A partial day counts as zero.
func DaysLate(due, reference time.Time) int {
	if !reference.After(due) {
		return 0
	}
	return int(reference.Sub(due) / (24 * time.Hour))
}

// CalculateLateFee returns DaysLate(due, reference) * feePerDay, or zero when
// reference is not after due.
func CalculateLateFee(due, reference time.Time, feePerDay Amount) Amount {
	days := DaysLate(due, reference)
	if days == 0 {
		return ZeroAmount()
	}
	return feePerDay.MulInt(days).Round()
}

// IsOverdue is true iff the loan has not been returned and now is past due.
func IsOverdue(due time.Time, returned *time.Time, now time.Time) bool {
	return returned == nil && now.After(due)
}

// DueDate returns the due date for a loan of loanPeriodDays starting at from.
func DueDate(from time.Time, loanPeriodDays int) time.Time {
	return from.AddDate(0, 0, loanPeriodDays)
}
