/*
Package factory provides JSON to Go lending-policy conversion.

PURPOSE:
  Converts member-type policy definitions into circulation.PolicyParams
  and a circulation.PolicyTable. Borrow limits, loan periods and late fees
  can then change without code changes. The same structs carry yaml tags
  so config files can embed them directly.

JSON SCHEMA:
  [
    {
      "member_type": "student",
      "borrow_limit": 3,
      "loan_period_days": 14,
      "late_fee_per_day": "0.50"
    },
    {
      "member_type": "faculty",
      "borrow_limit": 10,
      "loan_period_days": 30,
      "late_fee_per_day": "0.25"
    }
  ]

DEFAULTS:
  Parsed entries override the built-in table (circulation.DefaultPolicies)
  per member type. Types not mentioned keep their defaults. Zero or missing
  numeric fields inherit the default for that type when one exists.

USAGE:
  factory := NewPolicyFactory()
  table, err := factory.ParsePolicies(jsonString)

  store := sqlite.New(path, sqlite.WithPolicies(table))

SEE ALSO:
  - circulation/types.go: PolicyParams and PolicyTable
  - config/config.go: YAML-embedded policies
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/library-circulation/circulation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of one member type's policy.
type PolicyJSON struct {
	MemberType     string `json:"member_type" yaml:"member_type"`
	BorrowLimit    int    `json:"borrow_limit,omitempty" yaml:"borrow_limit,omitempty"`
	LoanPeriodDays int    `json:"loan_period_days,omitempty" yaml:"loan_period_days,omitempty"`
	LateFeePerDay  string `json:"late_fee_per_day,omitempty" yaml:"late_fee_per_day,omitempty"` // decimal string
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct {
	defaults circulation.PolicyTable
}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{defaults: circulation.DefaultPolicies()}
}

// ParsePolicies parses a JSON array into a complete PolicyTable.
func (f *PolicyFactory) ParsePolicies(jsonStr string) (circulation.PolicyTable, error) {
	var pjs []PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pjs); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.Build(pjs)
}

// Build merges the given entries over the default table.
func (f *PolicyFactory) Build(pjs []PolicyJSON) (circulation.PolicyTable, error) {
	table := make(circulation.PolicyTable, len(f.defaults)+len(pjs))
	for mt, p := range f.defaults {
		table[mt] = p
	}

	seen := make(map[circulation.MemberType]bool, len(pjs))
	for _, pj := range pjs {
		mt, params, err := f.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		if seen[mt] {
			return nil, fmt.Errorf("%w: member type %q defined twice", circulation.ErrInvalidInput, mt)
		}
		seen[mt] = true
		table[mt] = params
	}
	return table, nil
}

// FromJSON converts one PolicyJSON to PolicyParams.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (circulation.MemberType, circulation.PolicyParams, error) {
	if pj.MemberType == "" {
		return "", circulation.PolicyParams{}, fmt.Errorf("%w: member_type is required", circulation.ErrInvalidInput)
	}
	mt := circulation.MemberType(pj.MemberType)

	// Start from the built-in policy for known types
	params, known := f.defaults[mt]
	if pj.BorrowLimit != 0 {
		params.BorrowLimit = pj.BorrowLimit
	}
	if pj.LoanPeriodDays != 0 {
		params.LoanPeriodDays = pj.LoanPeriodDays
	}
	if pj.LateFeePerDay != "" {
		fee, err := circulation.ParseAmount(pj.LateFeePerDay)
		if err != nil {
			return "", circulation.PolicyParams{}, fmt.Errorf("%w: late_fee_per_day for %s: %v", circulation.ErrInvalidInput, mt, err)
		}
		params.LateFeePerDay = fee
	} else if !known {
		params.LateFeePerDay = circulation.ZeroAmount()
	}

	if err := validate(mt, params); err != nil {
		return "", circulation.PolicyParams{}, err
	}
	return mt, params, nil
}

// ToJSON converts a table back to its JSON representation, ordered by
// member type.
func (f *PolicyFactory) ToJSON(table circulation.PolicyTable) []PolicyJSON {
	out := make([]PolicyJSON, 0, len(table))
	for mt, p := range table {
		out = append(out, PolicyJSON{
			MemberType:     string(mt),
			BorrowLimit:    p.BorrowLimit,
			LoanPeriodDays: p.LoanPeriodDays,
			LateFeePerDay:  p.LateFeePerDay.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberType < out[j].MemberType })
	return out
}

func validate(mt circulation.MemberType, p circulation.PolicyParams) error {
	switch {
	case p.BorrowLimit <= 0:
		return fmt.Errorf("%w: borrow_limit for %s must be positive", circulation.ErrInvalidInput, mt)
	case p.LoanPeriodDays <= 0:
		return fmt.Errorf("%w: loan_period_days for %s must be positive", circulation.ErrInvalidInput, mt)
	case p.LateFeePerDay.IsNegative():
		return fmt.Errorf("%w: late_fee_per_day for %s must not be negative", circulation.ErrInvalidInput, mt)
	}
	return nil
}
