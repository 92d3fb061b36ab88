package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/library-circulation/circulation"
)

func TestParsePolicies_OverridesDefaults(t *testing.T) {
	f := NewPolicyFactory()
	table, err := f.ParsePolicies(`[
		{"member_type": "student", "borrow_limit": 5, "late_fee_per_day": "0.75"}
	]`)
	require.NoError(t, err)

	st := table[circulation.MemberStudent]
	assert.Equal(t, 5, st.BorrowLimit)
	assert.Equal(t, 14, st.LoanPeriodDays, "unset field keeps default")
	assert.Equal(t, "0.75", st.LateFeePerDay.String())

	fac := table[circulation.MemberFaculty]
	assert.Equal(t, 10, fac.BorrowLimit)
	assert.Equal(t, "0.25", fac.LateFeePerDay.String())
}

func TestParsePolicies_NewMemberType(t *testing.T) {
	f := NewPolicyFactory()
	table, err := f.ParsePolicies(`[
		{"member_type": "staff", "borrow_limit": 6, "loan_period_days": 21}
	]`)
	require.NoError(t, err)

	staff, err := table.For("staff")
	require.NoError(t, err)
	assert.Equal(t, 6, staff.BorrowLimit)
	assert.True(t, staff.LateFeePerDay.IsZero())
}

func TestParsePolicies_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `[{`},
		{"missing type", `[{"borrow_limit": 2}]`},
		{"new type without limit", `[{"member_type": "staff", "loan_period_days": 7}]`},
		{"negative limit", `[{"member_type": "student", "borrow_limit": -1}]`},
		{"bad fee", `[{"member_type": "student", "late_fee_per_day": "cheap"}]`},
		{"negative fee", `[{"member_type": "student", "late_fee_per_day": "-0.10"}]`},
		{"duplicate", `[{"member_type": "student"}, {"member_type": "student"}]`},
	}
	f := NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicies(tt.json)
			assert.Error(t, err)
		})
	}
}

func TestToJSON_Sorted(t *testing.T) {
	f := NewPolicyFactory()
	out := f.ToJSON(circulation.DefaultPolicies())

	require.Len(t, out, 2)
	assert.Equal(t, "faculty", out[0].MemberType)
	assert.Equal(t, "student", out[1].MemberType)
	assert.Equal(t, "0.50", out[1].LateFeePerDay)
}
