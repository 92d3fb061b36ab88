// Package store provides in-memory implementations of the circulation stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/library-circulation/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type inventoryKey struct {
	BookID   circulation.BookID
	BranchID circulation.BranchID
}

type state struct {
	members     map[circulation.MemberID]circulation.Member
	books       map[circulation.BookID]circulation.Book
	branches    map[circulation.BranchID]circulation.Branch
	authors     map[circulation.AuthorID]circulation.Author
	bookAuthors map[circulation.BookID][]circulation.AuthorID
	inventory   map[inventoryKey]int
	records     map[circulation.RecordID]circulation.BorrowRecord
	nextID      int64
}

func newState() state {
	return state{
		members:     make(map[circulation.MemberID]circulation.Member),
		books:       make(map[circulation.BookID]circulation.Book),
		branches:    make(map[circulation.BranchID]circulation.Branch),
		authors:     make(map[circulation.AuthorID]circulation.Author),
		bookAuthors: make(map[circulation.BookID][]circulation.AuthorID),
		inventory:   make(map[inventoryKey]int),
		records:     make(map[circulation.RecordID]circulation.BorrowRecord),
	}
}

func (s state) clone() state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.authors {
		c.authors[k] = v
	}
	for k, v := range s.bookAuthors {
		c.bookAuthors[k] = append([]circulation.AuthorID{}, v...)
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

// TxMemory is a transactional in-memory store. WithTx serializes callers
// and restores a snapshot when fn fails.
type TxMemory struct {
	mu       sync.Mutex
	st       state
	policies circulation.PolicyTable
	basis    circulation.FeeBasis
}

type Option func(*TxMemory)

// WithPolicies sets the table members' PolicyParams are attached from.
func WithPolicies(t circulation.PolicyTable) Option { return func(m *TxMemory) { m.policies = t } }

// WithFeeBasis selects what SumUnpaidFees totals.
func WithFeeBasis(b circulation.FeeBasis) Option { return func(m *TxMemory) { m.basis = b } }

func NewTxMemory(opts ...Option) *TxMemory {
	m := &TxMemory{
		st:       newState(),
		policies: circulation.DefaultPolicies(),
		basis:    circulation.FeesOpenRecords,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *TxMemory) WithTx(ctx context.Context, fn func(circulation.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{parent: m}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *TxMemory) nextIDLocked() int64 {
	m.st.nextID++
	return m.st.nextID
}

func (m *TxMemory) attach(mem circulation.Member) *circulation.Member {
	if p, err := m.policies.For(mem.Type); err == nil {
		mem.Policy = p
	}
	return &mem
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs with parent.mu held by WithTx
// =============================================================================

type view struct {
	parent *TxMemory
}

func (v *view) Members() circulation.MemberStore      { return memberView{v.parent} }
func (v *view) Inventory() circulation.InventoryStore { return inventoryView{v.parent} }
func (v *view) Borrows() circulation.BorrowStore      { return borrowView{v.parent} }

type memberView struct{ m *TxMemory }

func (mv memberView) Get(_ context.Context, id circulation.MemberID) (*circulation.Member, error) {
	mem, ok := mv.m.st.members[id]
	if !ok {
		return nil, nil
	}
	return mv.m.attach(mem), nil
}

func (mv memberView) GetByContact(_ context.Context, email string) (*circulation.Member, error) {
	for _, mem := range mv.m.st.members {
		if strings.EqualFold(mem.Email, email) {
			return mv.m.attach(mem), nil
		}
	}
	return nil, nil
}

func (mv memberView) Save(_ context.Context, mem circulation.Member) (circulation.MemberID, error) {
	if _, err := mv.m.policies.For(mem.Type); err != nil {
		return 0, err
	}
	mem.ID = circulation.MemberID(mv.m.nextIDLocked())
	mem.Policy = circulation.PolicyParams{}
	mv.m.st.members[mem.ID] = mem
	return mem.ID, nil
}

func (mv memberView) Update(_ context.Context, mem circulation.Member) error {
	if _, ok := mv.m.st.members[mem.ID]; !ok {
		return &circulation.NotFoundError{Entity: "member", ID: int64(mem.ID)}
	}
	mem.Policy = circulation.PolicyParams{}
	mv.m.st.members[mem.ID] = mem
	return nil
}

func (mv memberView) CountOpenLoans(_ context.Context, id circulation.MemberID) (int, error) {
	n := 0
	for _, r := range mv.m.st.records {
		if r.MemberID == id && r.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (mv memberView) SumUnpaidFees(_ context.Context, id circulation.MemberID) (circulation.Amount, error) {
	total := circulation.ZeroAmount()
	for _, r := range mv.m.st.records {
		if r.MemberID == id && mv.m.basis.Counts(r) {
			total = total.Add(r.LateFee)
		}
	}
	return total, nil
}

type inventoryView struct{ m *TxMemory }

func (iv inventoryView) GetAvailable(_ context.Context, bookID circulation.BookID, branchID circulation.BranchID) (int, error) {
	return iv.m.st.inventory[inventoryKey{bookID, branchID}], nil
}

func (iv inventoryView) Adjust(_ context.Context, bookID circulation.BookID, branchID circulation.BranchID, delta int) error {
	k := inventoryKey{bookID, branchID}
	current, ok := iv.m.st.inventory[k]
	if !ok {
		return &circulation.NotFoundError{Entity: "inventory", ID: int64(bookID)}
	}
	if current+delta < 0 {
		return circulation.ErrInsufficientCopies
	}
	iv.m.st.inventory[k] = current + delta
	return nil
}

type borrowView struct{ m *TxMemory }

func (bv borrowView) Save(_ context.Context, r circulation.BorrowRecord) (circulation.RecordID, error) {
	for _, existing := range bv.m.st.records {
		if existing.IsOpen() && existing.MemberID == r.MemberID && existing.BookID == r.BookID {
			return 0, &circulation.LoanError{MemberID: r.MemberID, BookID: r.BookID, Kind: circulation.KindAlreadyBorrowed}
		}
	}
	r.ID = circulation.RecordID(bv.m.nextIDLocked())
	bv.m.st.records[r.ID] = copyRecord(r)
	return r.ID, nil
}

func (bv borrowView) Update(_ context.Context, r circulation.BorrowRecord) error {
	if _, ok := bv.m.st.records[r.ID]; !ok {
		return &circulation.NotFoundError{Entity: "record", ID: int64(r.ID)}
	}
	bv.m.st.records[r.ID] = copyRecord(r)
	return nil
}

func (bv borrowView) FindOpen(_ context.Context, memberID circulation.MemberID, bookID circulation.BookID) (*circulation.BorrowRecord, error) {
	for _, r := range bv.m.st.records {
		if r.IsOpen() && r.MemberID == memberID && r.BookID == bookID {
			c := copyRecord(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (bv borrowView) Get(_ context.Context, id circulation.RecordID) (*circulation.BorrowRecord, error) {
	r, ok := bv.m.st.records[id]
	if !ok {
		return nil, nil
	}
	c := copyRecord(r)
	return &c, nil
}

func (bv borrowView) SettleFees(_ context.Context, memberID circulation.MemberID) (circulation.Amount, error) {
	total := circulation.ZeroAmount()
	for id, r := range bv.m.st.records {
		if r.MemberID != memberID || r.IsOpen() || r.FeeSettled {
			continue
		}
		total = total.Add(r.LateFee)
		r.FeeSettled = true
		bv.m.st.records[id] = r
	}
	return total, nil
}

// copyRecord detaches the ReturnDate pointer from the caller's copy.
func copyRecord(r circulation.BorrowRecord) circulation.BorrowRecord {
	if r.ReturnDate != nil {
		t := *r.ReturnDate
		r.ReturnDate = &t
	}
	return r
}

// =============================================================================
// CATALOG (circulation.CatalogStore)
// =============================================================================

func (m *TxMemory) SaveBook(_ context.Context, b circulation.Book) (circulation.BookID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.books {
		if strings.EqualFold(existing.ISBN, b.ISBN) {
			return 0, fmt.Errorf("%w: isbn %s already catalogued", circulation.ErrInvalidInput, b.ISBN)
		}
	}
	b.ID = circulation.BookID(m.nextIDLocked())
	b.Authors = nil
	m.st.books[b.ID] = b
	return b.ID, nil
}

func (m *TxMemory) GetBook(_ context.Context, id circulation.BookID) (*circulation.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.books[id]
	if !ok {
		return nil, nil
	}
	return m.withAuthorsLocked(b), nil
}

func (m *TxMemory) GetBookByISBN(_ context.Context, isbn string) (*circulation.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.st.books {
		if b.ISBN == isbn {
			return m.withAuthorsLocked(b), nil
		}
	}
	return nil, nil
}

func (m *TxMemory) SaveBranch(_ context.Context, b circulation.Branch) (circulation.BranchID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = circulation.BranchID(m.nextIDLocked())
	m.st.branches[b.ID] = b
	return b.ID, nil
}

func (m *TxMemory) SaveAuthor(_ context.Context, a circulation.Author) (circulation.AuthorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = circulation.AuthorID(m.nextIDLocked())
	m.st.authors[a.ID] = a
	return a.ID, nil
}

func (m *TxMemory) LinkAuthor(_ context.Context, bookID circulation.BookID, authorID circulation.AuthorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.books[bookID]; !ok {
		return &circulation.NotFoundError{Entity: "book", ID: int64(bookID)}
	}
	if _, ok := m.st.authors[authorID]; !ok {
		return &circulation.NotFoundError{Entity: "author", ID: int64(authorID)}
	}
	for _, id := range m.st.bookAuthors[bookID] {
		if id == authorID {
			return nil
		}
	}
	m.st.bookAuthors[bookID] = append(m.st.bookAuthors[bookID], authorID)
	return nil
}

func (m *TxMemory) SetInventory(_ context.Context, inv circulation.BranchInventory) error {
	if inv.AvailableCopies < 0 {
		return circulation.ErrInsufficientCopies
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.inventory[inventoryKey{inv.BookID, inv.BranchID}] = inv.AvailableCopies
	return nil
}

// Inventory returns the available count, for assertions in tests.
func (m *TxMemory) Inventory(bookID circulation.BookID, branchID circulation.BranchID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.inventory[inventoryKey{bookID, branchID}]
}

func (m *TxMemory) withAuthorsLocked(b circulation.Book) *circulation.Book {
	b.Authors = nil
	for _, id := range m.st.bookAuthors[b.ID] {
		b.Authors = append(b.Authors, m.st.authors[id])
	}
	return &b
}

// =============================================================================
// QUERIES (circulation.QueryStore)
// =============================================================================

func (m *TxMemory) History(_ context.Context, memberID circulation.MemberID, limit int) ([]circulation.BorrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.recordsLocked(func(r circulation.BorrowRecord) bool { return r.MemberID == memberID })
	sort.Slice(records, func(i, j int) bool {
		if records[i].BorrowDate.Equal(records[j].BorrowDate) {
			return records[i].ID > records[j].ID
		}
		return records[i].BorrowDate.After(records[j].BorrowDate)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *TxMemory) ActiveLoans(_ context.Context, memberID circulation.MemberID) ([]circulation.BorrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.recordsLocked(func(r circulation.BorrowRecord) bool { return r.MemberID == memberID && r.IsOpen() })
	sortByDue(records)
	return records, nil
}

func (m *TxMemory) Overdue(_ context.Context, asOf time.Time) ([]circulation.OverdueLoan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.recordsLocked(func(r circulation.BorrowRecord) bool { return r.IsOpen() && r.DueDate.Before(asOf) })
	sortByDue(records)
	loans := make([]circulation.OverdueLoan, 0, len(records))
	for _, r := range records {
		b := m.st.books[r.BookID]
		mem := m.st.members[r.MemberID]
		loans = append(loans, circulation.OverdueLoan{
			Record:      r,
			Title:       b.Title,
			ISBN:        b.ISBN,
			MemberName:  mem.FullName,
			MemberEmail: mem.Email,
		})
	}
	return loans, nil
}

func (m *TxMemory) Availability(_ context.Context, bookID circulation.BookID) ([]circulation.BranchAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []circulation.BranchAvailability
	for k, n := range m.st.inventory {
		if k.BookID != bookID || n <= 0 {
			continue
		}
		if br, ok := m.st.branches[k.BranchID]; ok {
			out = append(out, circulation.BranchAvailability{Branch: br, AvailableCopies: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch.Name < out[j].Branch.Name })
	return out, nil
}

func (m *TxMemory) SearchBooks(_ context.Context, query string, by circulation.SearchField) ([]circulation.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []circulation.Book
	for _, b := range m.st.books {
		full := m.withAuthorsLocked(b)
		if matches(*full, q, by) {
			out = append(out, *full)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(b circulation.Book, q string, by circulation.SearchField) bool {
	switch by {
	case circulation.SearchByTitle:
		return strings.Contains(strings.ToLower(b.Title), q)
	case circulation.SearchByISBN:
		return strings.EqualFold(b.ISBN, q)
	case circulation.SearchByAuthor:
		for _, a := range b.Authors {
			if strings.Contains(strings.ToLower(a.Name), q) {
				return true
			}
		}
	}
	return false
}

func (m *TxMemory) recordsLocked(keep func(circulation.BorrowRecord) bool) []circulation.BorrowRecord {
	var out []circulation.BorrowRecord
	for _, r := range m.st.records {
		if keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	return out
}

func sortByDue(records []circulation.BorrowRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].DueDate.Equal(records[j].DueDate) {
			return records[i].ID < records[j].ID
		}
		return records[i].DueDate.Before(records[j].DueDate)
	})
}
