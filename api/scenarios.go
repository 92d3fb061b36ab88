/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	library: branches, books with authors, inventory, members, and loans
	in various states. Each scenario demonstrates specific circulation rules.

AVAILABLE SCENARIOS:

	branch-network: Two branches, five books, three members, no loans
	overdue-loans:  Loans past due, one returned late with a fee on record
	borrow-limit:   A student at the borrow limit and an expired member

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create branches, authors, books and inventory
 3. Register members through the workflow
 4. Create loans through the workflow, with the clock moved back so
    past-due states arise from real borrows

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-loans"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/library-circulation/circulation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "branch-network",
		Name:        "Branch Network",
		Description: "Two branches, five books across them, three members and no loans",
	},
	{
		ID:          "overdue-loans",
		Name:        "Overdue Loans",
		Description: "Open loans past their due date and one late return with a fee on record",
	},
	{
		ID:          "borrow-limit",
		Name:        "Borrow Limit",
		Description: "A student holding three books and a member whose membership has lapsed",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "branch-network":
		load = func(ctx context.Context) error {
			_, err := h.seedLibrary(ctx)
			return err
		}
	case "overdue-loans":
		load = h.loadOverdueScenario
	case "borrow-limit":
		load = h.loadBorrowLimitScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.Log.Error("scenario load failed", "scenario", req.ScenarioID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// library holds the ids created by seedLibrary.
type library struct {
	central, east             circulation.BranchID
	dune, neuromancer, hobbit circulation.BookID
	earthsea, leftHand        circulation.BookID
	alice, bob, eve           circulation.MemberID
}

type seedBook struct {
	id     *circulation.BookID
	book   circulation.Book
	author string
	stock  map[circulation.BranchID]int
}

func (h *Handler) seedLibrary(ctx context.Context) (*library, error) {
	lib := &library{}
	now := h.Service.Now()

	central, err := h.Store.SaveBranch(ctx, circulation.Branch{
		Name: "Central Library", Location: "1 Main Street",
		OperatingHours: "Mon-Sat 09:00-20:00", ContactPhone: "555-0100", ContactEmail: "central@library.test",
	})
	if err != nil {
		return nil, err
	}
	east, err := h.Store.SaveBranch(ctx, circulation.Branch{
		Name: "East Branch", Location: "42 Harbor Road",
		OperatingHours: "Tue-Sat 10:00-18:00", ContactPhone: "555-0142", ContactEmail: "east@library.test",
	})
	if err != nil {
		return nil, err
	}
	lib.central, lib.east = central, east

	authors := map[string]circulation.AuthorID{}
	for _, a := range []circulation.Author{
		{Name: "Frank Herbert", Nationality: "American", PrimaryGenre: "Science Fiction"},
		{Name: "William Gibson", Nationality: "American-Canadian", PrimaryGenre: "Cyberpunk"},
		{Name: "J. R. R. Tolkien", Nationality: "British", PrimaryGenre: "Fantasy"},
		{Name: "Ursula K. Le Guin", Nationality: "American", PrimaryGenre: "Fantasy"},
	} {
		id, err := h.Store.SaveAuthor(ctx, a)
		if err != nil {
			return nil, err
		}
		authors[a.Name] = id
	}

	books := []seedBook{
		{&lib.dune, circulation.Book{ISBN: "9780441013593", Title: "Dune", PublicationYear: 1965, Category: "Science Fiction", TotalCopies: 3},
			"Frank Herbert", map[circulation.BranchID]int{lib.central: 2, lib.east: 1}},
		{&lib.neuromancer, circulation.Book{ISBN: "9780441569595", Title: "Neuromancer", PublicationYear: 1984, Category: "Science Fiction", TotalCopies: 1},
			"William Gibson", map[circulation.BranchID]int{lib.central: 1}},
		{&lib.hobbit, circulation.Book{ISBN: "9780547928227", Title: "The Hobbit", PublicationYear: 1937, Category: "Fantasy", TotalCopies: 4},
			"J. R. R. Tolkien", map[circulation.BranchID]int{lib.central: 2, lib.east: 2}},
		{&lib.earthsea, circulation.Book{ISBN: "9780547773742", Title: "A Wizard of Earthsea", PublicationYear: 1968, Category: "Fantasy", TotalCopies: 2},
			"Ursula K. Le Guin", map[circulation.BranchID]int{lib.east: 2}},
		{&lib.leftHand, circulation.Book{ISBN: "9780441478125", Title: "The Left Hand of Darkness", PublicationYear: 1969, Category: "Science Fiction", TotalCopies: 1},
			"Ursula K. Le Guin", map[circulation.BranchID]int{lib.central: 1}},
	}
	for _, sb := range books {
		id, err := h.Store.SaveBook(ctx, sb.book)
		if err != nil {
			return nil, err
		}
		*sb.id = id
		if err := h.Store.LinkAuthor(ctx, id, authors[sb.author]); err != nil {
			return nil, err
		}
		for branch, n := range sb.stock {
			inv := circulation.BranchInventory{BookID: id, BranchID: branch, AvailableCopies: n}
			if err := h.Store.SetInventory(ctx, inv); err != nil {
				return nil, err
			}
		}
	}

	members := []struct {
		id *circulation.MemberID
		m  circulation.Member
	}{
		{&lib.alice, circulation.Member{FullName: "Alice Moreau", Email: "alice@uni.test", Type: circulation.MemberStudent,
			MembershipStart: now.AddDate(-1, 0, 0), MembershipEnd: now.AddDate(1, 0, 0)}},
		{&lib.bob, circulation.Member{FullName: "Bob Okafor", Email: "bob@uni.test", Type: circulation.MemberFaculty,
			MembershipStart: now.AddDate(-5, 0, 0), MembershipEnd: now.AddDate(3, 0, 0)}},
		{&lib.eve, circulation.Member{FullName: "Eve Lindqvist", Email: "eve@uni.test", Type: circulation.MemberStudent,
			MembershipStart: now.AddDate(-2, 0, 0), MembershipEnd: now.AddDate(0, 0, -7)}},
	}
	for _, sm := range members {
		m, err := h.Service.RegisterMember(ctx, sm.m)
		if err != nil {
			return nil, err
		}
		*sm.id = m.ID
	}
	return lib, nil
}

// at returns a service over the same store whose clock is offset from now.
func (h *Handler) at(offset time.Duration) *circulation.Service {
	base := h.Service.Now().Add(offset)
	return circulation.NewService(h.Store,
		circulation.WithClock(func() time.Time { return base }),
		circulation.WithEligibility(h.Service.Eligibility()),
		circulation.WithQueries(h.Store),
		circulation.WithLogger(h.Log),
	)
}

func (h *Handler) loadOverdueScenario(ctx context.Context) error {
	lib, err := h.seedLibrary(ctx)
	if err != nil {
		return err
	}
	day := 24 * time.Hour

	// Alice borrowed Dune 20 days ago (14-day loan): 6 days overdue
	if _, err := h.at(-20*day).Borrow(ctx, lib.alice, lib.dune, lib.central); err != nil {
		return err
	}
	// Bob borrowed The Hobbit 45 days ago (30-day loan): 15 days overdue
	if _, err := h.at(-45*day).Borrow(ctx, lib.bob, lib.hobbit, lib.east); err != nil {
		return err
	}
	// Alice borrowed Neuromancer 30 days ago and returned it 4 days late
	if _, err := h.at(-30*day).Borrow(ctx, lib.alice, lib.neuromancer, lib.central); err != nil {
		return err
	}
	if _, err := h.at(-12*day).Return(ctx, lib.alice, lib.neuromancer); err != nil {
		return err
	}
	// Bob has an on-time loan
	_, err = h.Service.Borrow(ctx, lib.bob, lib.earthsea, lib.east)
	return err
}

func (h *Handler) loadBorrowLimitScenario(ctx context.Context) error {
	lib, err := h.seedLibrary(ctx)
	if err != nil {
		return err
	}
	loans := []struct {
		book   circulation.BookID
		branch circulation.BranchID
	}{
		{lib.dune, lib.central},
		{lib.hobbit, lib.central},
		{lib.earthsea, lib.east},
	}
	for _, l := range loans {
		if _, err := h.Service.Borrow(ctx, lib.alice, l.book, l.branch); err != nil {
			return err
		}
	}
	return nil
}
