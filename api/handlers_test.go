/*
handlers_test.go - HTTP tests for the circulation API

Tests for:
- Borrow, return and renew status codes and bodies
- Domain error kinds mapped to 404/409
- Member registration and standing
- Catalog search and availability
- Scenario loading end to end
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/library-circulation/circulation"
	"github.com/warp/library-circulation/store/sqlite"
)

var testNow = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

type apiFixture struct {
	store  *sqlite.Store
	router *chi.Mux
	branch circulation.BranchID
	dune   circulation.BookID
	hobbit circulation.BookID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := circulation.NewService(store,
		circulation.WithQueries(store),
		circulation.WithClock(func() time.Time { return testNow }),
	)
	h := NewHandler(svc, store, nil, nil)
	return &apiFixture{store: store, router: NewRouter(h, RouterOptions{})}
}

// seed creates one branch with two titles, one copy each.
func (f *apiFixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	var err error

	f.branch, err = f.store.SaveBranch(ctx, circulation.Branch{Name: "Central", Location: "1 Main Street"})
	require.NoError(t, err)
	for _, b := range []struct {
		id   *circulation.BookID
		book circulation.Book
	}{
		{&f.dune, circulation.Book{ISBN: "9780441013593", Title: "Dune", TotalCopies: 1}},
		{&f.hobbit, circulation.Book{ISBN: "9780547928227", Title: "The Hobbit", TotalCopies: 1}},
	} {
		*b.id, err = f.store.SaveBook(ctx, b.book)
		require.NoError(t, err)
		require.NoError(t, f.store.SetInventory(ctx, circulation.BranchInventory{
			BookID: *b.id, BranchID: f.branch, AvailableCopies: 1,
		}))
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createMember(t *testing.T, email, memberType, end string) MemberDTO {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/members", CreateMemberRequest{
		FullName: "Member " + email, Email: email, MemberType: memberType,
		MembershipStart: "2024-09-01", MembershipEnd: end,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m MemberDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// LOANS
// =============================================================================

func TestBorrow_Created(t *testing.T) {
	// GIVEN: a student and a book on the shelf
	f := newAPIFixture(t)
	f.seed(t)
	m := f.createMember(t, "sam@uni.test", "student", "2026-01-01")

	// WHEN: the student borrows it
	rec := f.do(t, http.MethodPost, "/api/loans", LoanRequest{MemberID: m.ID, BookID: int64(f.dune), BranchID: int64(f.branch)})

	// THEN: an open record due in 14 days comes back
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decode[BorrowRecordDTO](t, rec)
	assert.Equal(t, "open", dto.Status)
	assert.Equal(t, "2025-03-15T10:00:00Z", dto.DueDate)
	assert.Equal(t, "0.00", dto.LateFee)
	assert.NotEmpty(t, dto.Reference)
	assert.False(t, dto.Overdue)

	got := decode[MemberDTO](t, f.do(t, http.MethodGet, "/api/members/"+itoa(m.ID), nil))
	assert.Equal(t, 1, got.OpenLoans)
	assert.Equal(t, 1, got.TotalBorrowed)
}

func TestBorrow_OnLastDayOfMembership(t *testing.T) {
	// GIVEN: a membership ending today, sent as a plain date
	f := newAPIFixture(t)
	f.seed(t)
	m := f.createMember(t, "last@uni.test", "student", testNow.Format("2006-01-02"))
	assert.True(t, m.CanBorrow)

	// WHEN: they borrow mid-morning on that day
	rec := f.do(t, http.MethodPost, "/api/loans", LoanRequest{MemberID: m.ID, BookID: int64(f.dune), BranchID: int64(f.branch)})

	// THEN: the loan is granted
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestBorrow_Conflicts(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)
	sam := f.createMember(t, "sam@uni.test", "student", "2026-01-01")
	lapsed := f.createMember(t, "old@uni.test", "student", "2025-01-01")

	rec := f.do(t, http.MethodPost, "/api/loans", LoanRequest{MemberID: sam.ID, BookID: int64(f.dune), BranchID: int64(f.branch)})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name string
		req  LoanRequest
		kind circulation.Kind
	}{
		{"same book again", LoanRequest{MemberID: sam.ID, BookID: int64(f.dune), BranchID: int64(f.branch)}, circulation.KindAlreadyBorrowed},
		{"expired member", LoanRequest{MemberID: lapsed.ID, BookID: int64(f.hobbit), BranchID: int64(f.branch)}, circulation.KindMembershipExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/loans", tt.req)
			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, string(tt.kind), decode[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestBorrow_BadRequest(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/loans", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/loans", LoanRequest{MemberID: 1, BookID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(circulation.KindInvalidInput), decode[ErrorResponse](t, rec).Kind)
}

func TestBorrow_UnknownMember(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/loans", LoanRequest{MemberID: 999, BookID: int64(f.dune), BranchID: int64(f.branch)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(circulation.KindNotFound), decode[ErrorResponse](t, rec).Kind)
}

func TestReturnAndRenew(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)
	m := f.createMember(t, "sam@uni.test", "student", "2026-01-01")
	loan := LoanRequest{MemberID: m.ID, BookID: int64(f.dune), BranchID: int64(f.branch)}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/loans", loan).Code)

	// Renew once succeeds, twice conflicts
	rec := f.do(t, http.MethodPost, "/api/loans/renew", loan)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewed := decode[BorrowRecordDTO](t, rec)
	assert.True(t, renewed.Renewed)
	assert.Equal(t, "2025-03-29T10:00:00Z", renewed.DueDate)

	rec = f.do(t, http.MethodPost, "/api/loans/renew", loan)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(circulation.KindAlreadyRenewed), decode[ErrorResponse](t, rec).Kind)

	// Return on time
	rec = f.do(t, http.MethodPost, "/api/loans/return", loan)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ret := decode[ReturnResponse](t, rec)
	assert.Equal(t, "0.00", ret.LateFee)
	assert.False(t, ret.IsOverdue)
	assert.Equal(t, "returned", ret.Record.Status)

	// Nothing left to return
	rec = f.do(t, http.MethodPost, "/api/loans/return", loan)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(circulation.KindNoActiveBorrow), decode[ErrorResponse](t, rec).Kind)

	history := decode[[]BorrowRecordDTO](t, f.do(t, http.MethodGet, "/api/members/"+itoa(m.ID)+"/history", nil))
	assert.Len(t, history, 1)
	loans := decode[[]BorrowRecordDTO](t, f.do(t, http.MethodGet, "/api/members/"+itoa(m.ID)+"/loans", nil))
	assert.Empty(t, loans)
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestCreateMember_Validation(t *testing.T) {
	f := newAPIFixture(t)
	f.createMember(t, "sam@uni.test", "student", "2026-01-01")

	tests := []struct {
		name string
		req  CreateMemberRequest
	}{
		{"bad date", CreateMemberRequest{FullName: "X", Email: "x@uni.test", MemberType: "student", MembershipStart: "yesterday", MembershipEnd: "2026-01-01"}},
		{"unknown type", CreateMemberRequest{FullName: "X", Email: "x@uni.test", MemberType: "alumni", MembershipStart: "2024-01-01", MembershipEnd: "2026-01-01"}},
		{"duplicate email", CreateMemberRequest{FullName: "X", Email: "SAM@uni.test", MemberType: "student", MembershipStart: "2024-01-01", MembershipEnd: "2026-01-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/members", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetMember(t *testing.T) {
	f := newAPIFixture(t)
	m := f.createMember(t, "prof@uni.test", "faculty", "2027-06-30")

	got := decode[MemberDTO](t, f.do(t, http.MethodGet, "/api/members/"+itoa(m.ID), nil))
	assert.Equal(t, "faculty", got.MemberType)
	assert.Equal(t, 10, got.Policy.BorrowLimit)
	assert.Equal(t, "0.00", got.UnpaidFees)
	assert.True(t, got.CanBorrow)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/members/404", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/members/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/members/404/history", nil).Code)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestSearchAndAvailability(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)

	books := decode[[]BookDTO](t, f.do(t, http.MethodGet, "/api/books?q=hob", nil))
	require.Len(t, books, 1)
	assert.Equal(t, "The Hobbit", books[0].Title)

	books = decode[[]BookDTO](t, f.do(t, http.MethodGet, "/api/books?q=9780441013593&by=isbn", nil))
	require.Len(t, books, 1)
	assert.Equal(t, "Dune", books[0].Title)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/books", nil).Code)

	avail := decode[[]BranchAvailabilityDTO](t, f.do(t, http.MethodGet, "/api/books/"+itoa(int64(f.dune))+"/availability", nil))
	require.Len(t, avail, 1)
	assert.Equal(t, "Central", avail[0].Name)
	assert.Equal(t, 1, avail[0].AvailableCopies)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/books/999/availability", nil).Code)
}

func TestListPolicies(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var policies []struct {
		MemberType  string `json:"member_type"`
		BorrowLimit int    `json:"borrow_limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policies))
	require.Len(t, policies, 2)
	assert.Equal(t, "faculty", policies[0].MemberType)
	assert.Equal(t, 3, policies[1].BorrowLimit)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_OverdueLoans(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "overdue-loans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	overdue := decode[[]OverdueLoanDTO](t, f.do(t, http.MethodGet, "/api/overdue", nil))
	require.Len(t, overdue, 2)
	days := []int{overdue[0].DaysOverdue, overdue[1].DaysOverdue}
	assert.ElementsMatch(t, []int{15, 6}, days)
	for _, o := range overdue {
		assert.True(t, o.Record.Overdue)
		assert.NotEmpty(t, o.MemberEmail)
	}

	current := decode[ScenarioDTO](t, f.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "overdue-loans", current.ID)
}

func TestScenario_BorrowLimit(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "borrow-limit"}).Code)

	books := decode[[]BookDTO](t, f.do(t, http.MethodGet, "/api/books?q=Neuromancer", nil))
	require.Len(t, books, 1)
	avail := decode[[]BranchAvailabilityDTO](t, f.do(t, http.MethodGet, "/api/books/"+itoa(books[0].ID)+"/availability", nil))
	require.Len(t, avail, 1)

	// Alice already holds three books
	ctx := context.Background()
	var alice *circulation.Member
	require.NoError(t, f.store.WithTx(ctx, func(st circulation.Stores) error {
		var err error
		alice, err = st.Members().GetByContact(ctx, "alice@uni.test")
		return err
	}))
	require.NotNil(t, alice)

	rec := f.do(t, http.MethodPost, "/api/loans", LoanRequest{
		MemberID: int64(alice.ID), BookID: books[0].ID, BranchID: avail[0].BranchID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(circulation.KindBorrowLimitExceeded), decode[ErrorResponse](t, rec).Kind)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "branch-network"}).Code)
	// Loading twice starts from a clean database
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "branch-network"}).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/scenarios/reset", nil).Code)
	books := decode[[]BookDTO](t, f.do(t, http.MethodGet, "/api/books?q=Dune", nil))
	assert.Empty(t, books)

	assert.Equal(t, "null", string(bytes.TrimSpace(f.do(t, http.MethodGet, "/api/scenarios/current", nil).Body.Bytes())))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestScenarioClock_KeepsEligibility(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	strict := circulation.EligibilityPolicy{FeeThreshold: circulation.MustParseAmount("1.50")}
	svc := circulation.NewService(store,
		circulation.WithQueries(store),
		circulation.WithEligibility(strict),
		circulation.WithClock(func() time.Time { return testNow }),
	)
	h := NewHandler(svc, store, nil, nil)

	shifted := h.at(-48 * time.Hour)
	assert.True(t, shifted.Now().Equal(testNow.Add(-48*time.Hour)))
	assert.Equal(t, "1.50", shifted.Eligibility().FeeThreshold.String())
}
