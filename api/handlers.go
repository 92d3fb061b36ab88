/*
handlers.go - HTTP API handlers for library circulation

PURPOSE:
  Exposes the circulation workflow via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to circulation.Service.

ENDPOINTS:
  Loans:
    POST   /api/loans                   Borrow a book at a branch
    POST   /api/loans/return            Return a borrowed book
    POST   /api/loans/renew             Renew an open loan (once)

  Members:
    POST   /api/members                 Register member
    GET    /api/members/{id}            Member with open loans, unpaid fees, eligibility
    GET    /api/members/{id}/history    Borrow history (?limit=N, default 10)
    GET    /api/members/{id}/loans      Open loans by due date
    POST   /api/members/{id}/settle     Mark returned late fees as paid

  Catalog:
    GET    /api/books?q=...&by=title    Search by title, author or isbn
    GET    /api/books/{id}/availability Branches holding copies
    GET    /api/overdue                 Every overdue open loan
    GET    /api/policies                Lending policy per member type

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: the circulation workflow (all writes go through it)
  - Store: catalog writes and reset, used by scenarios
  - PolicyFactory: policy table rendering

ERROR HANDLING:
  Errors are returned as JSON {"error", "kind"} with HTTP status by kind:
  - 400: invalid_input
  - 404: not_found, no_active_borrow
  - 409: membership_expired, borrow_limit_exceeded,
         unpaid_fees_exceed_threshold, book_unavailable,
         already_renewed, already_borrowed
  - 500: persistence_failure

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/library-circulation/circulation"
	"github.com/warp/library-circulation/factory"
	"github.com/warp/library-circulation/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service       *circulation.Service
	Store         *sqlite.Store
	PolicyFactory *factory.PolicyFactory
	Log           *slog.Logger

	policies circulation.PolicyTable

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. policies is the table the store was
// configured with; nil means the defaults.
func NewHandler(svc *circulation.Service, store *sqlite.Store, policies circulation.PolicyTable, log *slog.Logger) *Handler {
	if policies == nil {
		policies = circulation.DefaultPolicies()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Service:       svc,
		Store:         store,
		PolicyFactory: factory.NewPolicyFactory(),
		Log:           log,
		policies:      policies,
	}
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// Borrow lends a book to a member.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID <= 0 || req.BookID <= 0 || req.BranchID <= 0 {
		writeError(w, http.StatusBadRequest, "member_id, book_id and branch_id are required", nil)
		return
	}

	rec, err := h.Service.Borrow(r.Context(),
		circulation.MemberID(req.MemberID), circulation.BookID(req.BookID), circulation.BranchID(req.BranchID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec, h.Service.Now()))
}

// Return closes a member's open loan of a book.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID <= 0 || req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "member_id and book_id are required", nil)
		return
	}

	res, err := h.Service.Return(r.Context(), circulation.MemberID(req.MemberID), circulation.BookID(req.BookID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReturnResponse{
		Record:     toRecordDTO(res.Record, res.ReturnDate),
		LateFee:    res.LateFee.String(),
		IsOverdue:  res.IsOverdue,
		ReturnDate: formatDate(res.ReturnDate),
	})
}

// Renew extends an open loan by one loan period.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID <= 0 || req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "member_id and book_id are required", nil)
		return
	}

	rec, err := h.Service.Renew(r.Context(), circulation.MemberID(req.MemberID), circulation.BookID(req.BookID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec, h.Service.Now()))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// CreateMember registers a new member.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := parseDate(req.MembershipStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid membership_start", err)
		return
	}
	end, err := parseDate(req.MembershipEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid membership_end", err)
		return
	}

	m, err := h.Service.RegisterMember(r.Context(), circulation.Member{
		FullName:        req.FullName,
		Email:           req.Email,
		Phone:           req.Phone,
		Type:            circulation.MemberType(req.MemberType),
		MembershipStart: start,
		MembershipEnd:   end,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	acct, err := h.Service.Account(r.Context(), m.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(acct))
}

// GetMember returns a member and their borrowing standing.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acct, err := h.Service.Account(r.Context(), circulation.MemberID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(acct))
}

// GetHistory returns the member's most recent borrow records.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	if _, err := h.Service.Member(r.Context(), circulation.MemberID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := h.Service.History(r.Context(), circulation.MemberID(id), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records, h.Service.Now()))
}

// GetActiveLoans returns the member's open loans.
func (h *Handler) GetActiveLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Service.Member(r.Context(), circulation.MemberID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := h.Service.ActiveLoans(r.Context(), circulation.MemberID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records, h.Service.Now()))
}

// SettleFees marks the member's returned late fees as paid.
func (h *Handler) SettleFees(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	settled, err := h.Service.SettleFees(r.Context(), circulation.MemberID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{MemberID: id, Settled: settled.String()})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// SearchBooks finds books by title (default), author or isbn.
func (h *Handler) SearchBooks(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "Query parameter q is required", nil)
		return
	}
	by := circulation.SearchField(r.URL.Query().Get("by"))
	if by == "" {
		by = circulation.SearchByTitle
	}

	books, err := h.Service.SearchBooks(r.Context(), q, by)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]BookDTO, len(books))
	for i, b := range books {
		dtos[i] = toBookDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAvailability lists branches with copies of a book on the shelf.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book, err := h.Store.GetBook(r.Context(), circulation.BookID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load book", err)
		return
	}
	if book == nil {
		writeDomainError(w, &circulation.NotFoundError{Entity: "book", ID: id})
		return
	}

	branches, err := h.Service.Availability(r.Context(), book.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]BranchAvailabilityDTO, len(branches))
	for i, b := range branches {
		dtos[i] = BranchAvailabilityDTO{
			BranchID:        int64(b.Branch.ID),
			Name:            b.Branch.Name,
			Location:        b.Branch.Location,
			OperatingHours:  b.Branch.OperatingHours,
			AvailableCopies: b.AvailableCopies,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListOverdue returns every open loan past its due date.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Service.Overdue(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := h.Service.Now()
	dtos := make([]OverdueLoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = OverdueLoanDTO{
			Record:      toRecordDTO(l.Record, now),
			Title:       l.Title,
			ISBN:        l.ISBN,
			MemberName:  l.MemberName,
			MemberEmail: l.MemberEmail,
			DaysOverdue: circulation.DaysLate(l.Record.DueDate, now),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPolicies returns the lending policy of every member type.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.policies))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	if status == http.StatusBadRequest {
		resp.Kind = string(circulation.KindInvalidInput)
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a circulation error kind to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := circulation.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Store details stay in the server log
		msg = "Internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: string(kind)})
}

func statusFor(kind circulation.Kind) int {
	switch kind {
	case circulation.KindInvalidInput:
		return http.StatusBadRequest
	case circulation.KindNotFound, circulation.KindNoActiveBorrow:
		return http.StatusNotFound
	case circulation.KindMembershipExpired,
		circulation.KindBorrowLimitExceeded,
		circulation.KindUnpaidFeesExceedThreshold,
		circulation.KindBookUnavailable,
		circulation.KindAlreadyRenewed,
		circulation.KindAlreadyBorrowed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// parseDate accepts YYYY-MM-DD or RFC3339.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date is required")
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
