/*
Package sqlite provides a SQLite-backed implementation of the circulation stores.

PURPOSE:
  Implements every persistence interface the workflow consumes
  (circulation.UnitOfWork and the transaction-bound Member/Inventory/Borrow
  stores) plus the catalog and read-side queries.

KEY TABLES:
  members:        identity, type, membership window, total_borrowed
  books:          catalog identity (isbn unique)
  authors:        author metadata; book_authors links N-M
  branches:       library branches
  book_inventory: (book_id, branch_id) -> available_copies, CHECK >= 0
  borrow_records: loans; return_date NULL while open

INVARIANTS ENFORCED BY SCHEMA:
  - idx_one_open_loan: at most one open record per (member_id, book_id)
  - CHECK (available_copies >= 0)
  - Adjust is a guarded UPDATE: the WHERE clause refuses any delta that
    would go below zero, so two writers can never both take the last copy

CONCURRENCY:
  WithTx holds the store mutex for the whole transaction, so transactions
  are serialized: the reads that inform a decision and the writes that
  follow see no interleaving writer. The pool is limited to one connection,
  which keeps ":memory:" databases shared across calls.

TIME & MONEY:
  Times are stored as fixed-width UTC text, so ORDER BY and < work on them.
  late_fee is stored as TEXT (decimal string) and summed in Go with
  shopspring/decimal, never as SQLite REAL.

USAGE:
  store, err := sqlite.New("./data/library.db", sqlite.WithFeeBasis(circulation.FeesOpenRecords))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := circulation.NewService(store, circulation.WithQueries(store))

SEE ALSO:
  - circulation/store.go: Interface definitions
  - circulation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/library-circulation/circulation"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	policies circulation.PolicyTable
	basis    circulation.FeeBasis
}

type Option func(*Store)

// WithPolicies sets the table members' PolicyParams are attached from.
func WithPolicies(t circulation.PolicyTable) Option { return func(s *Store) { s.policies = t } }

// WithFeeBasis selects what SumUnpaidFees totals.
func WithFeeBasis(b circulation.FeeBasis) Option { return func(s *Store) { s.basis = b } }

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:       db,
		policies: circulation.DefaultPolicies(),
		basis:    circulation.FeesOpenRecords,
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_type TEXT NOT NULL,
		full_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		phone TEXT,
		membership_start TEXT NOT NULL,
		membership_end TEXT NOT NULL,
		total_borrowed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		isbn TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		publication_year INTEGER,
		category TEXT,
		total_copies INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);

	CREATE TABLE IF NOT EXISTS authors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		biography TEXT,
		nationality TEXT,
		birth_date TEXT,
		death_date TEXT,
		primary_genre TEXT
	);

	CREATE TABLE IF NOT EXISTS book_authors (
		book_id INTEGER NOT NULL REFERENCES books(id),
		author_id INTEGER NOT NULL REFERENCES authors(id),
		PRIMARY KEY (book_id, author_id)
	);

	CREATE TABLE IF NOT EXISTS branches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		location TEXT NOT NULL,
		operating_hours TEXT,
		contact_phone TEXT,
		contact_email TEXT
	);

	CREATE TABLE IF NOT EXISTS book_inventory (
		book_id INTEGER NOT NULL REFERENCES books(id),
		branch_id INTEGER NOT NULL REFERENCES branches(id),
		available_copies INTEGER NOT NULL DEFAULT 0 CHECK (available_copies >= 0),
		PRIMARY KEY (book_id, branch_id)
	);

	CREATE TABLE IF NOT EXISTS borrow_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT UNIQUE,
		member_id INTEGER NOT NULL REFERENCES members(id),
		book_id INTEGER NOT NULL REFERENCES books(id),
		branch_id INTEGER NOT NULL REFERENCES branches(id),
		borrow_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		late_fee TEXT NOT NULL DEFAULT '0',
		is_renewed BOOLEAN NOT NULL DEFAULT FALSE,
		fee_settled BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- At most one open loan per (member, book)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_loan
		ON borrow_records(member_id, book_id) WHERE return_date IS NULL;

	CREATE INDEX IF NOT EXISTS idx_borrow_records_member
		ON borrow_records(member_id, borrow_date DESC);
	CREATE INDEX IF NOT EXISTS idx_borrow_records_due_open
		ON borrow_records(due_date) WHERE return_date IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK (circulation.UnitOfWork interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStores{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStores struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStores) Members() circulation.MemberStore      { return memberRepo{q: ts.tx, s: ts.parent} }
func (ts *txStores) Inventory() circulation.InventoryStore { return inventoryRepo{q: ts.tx} }
func (ts *txStores) Borrows() circulation.BorrowStore      { return borrowRepo{q: ts.tx} }

// =============================================================================
// MEMBER STORE
// =============================================================================

type memberRepo struct {
	q querier
	s *Store
}

const memberColumns = `id, member_type, full_name, email, phone, membership_start, membership_end, total_borrowed`

func (r memberRepo) Get(ctx context.Context, id circulation.MemberID) (*circulation.Member, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	return r.scan(row)
}

func (r memberRepo) GetByContact(ctx context.Context, email string) (*circulation.Member, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE email = ?`, email)
	return r.scan(row)
}

func (r memberRepo) scan(row *sql.Row) (*circulation.Member, error) {
	var (
		m          circulation.Member
		memberType string
		phone      sql.NullString
		start, end string
	)
	err := row.Scan(&m.ID, &memberType, &m.FullName, &m.Email, &phone, &start, &end, &m.TotalBorrowed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	m.Type = circulation.MemberType(memberType)
	m.Phone = phone.String
	if m.MembershipStart, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("member %d: %w", m.ID, err)
	}
	if m.MembershipEnd, err = parseTime(end); err != nil {
		return nil, fmt.Errorf("member %d: %w", m.ID, err)
	}
	if p, err := r.s.policies.For(m.Type); err == nil {
		m.Policy = p
	}
	return &m, nil
}

func (r memberRepo) Save(ctx context.Context, m circulation.Member) (circulation.MemberID, error) {
	if _, err := r.s.policies.For(m.Type); err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO members (member_type, full_name, email, phone, membership_start, membership_end, total_borrowed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(m.Type), m.FullName, m.Email, nullString(m.Phone),
		formatTime(m.MembershipStart), formatTime(m.MembershipEnd), m.TotalBorrowed,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: email %s already registered", circulation.ErrInvalidInput, m.Email)
		}
		return 0, fmt.Errorf("failed to insert member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read member id: %w", err)
	}
	return circulation.MemberID(id), nil
}

func (r memberRepo) Update(ctx context.Context, m circulation.Member) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE members SET full_name = ?, email = ?, phone = ?, membership_end = ?, total_borrowed = ?
		WHERE id = ?`,
		m.FullName, m.Email, nullString(m.Phone), formatTime(m.MembershipEnd), m.TotalBorrowed, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return requireRow(res, "member", int64(m.ID))
}

func (r memberRepo) CountOpenLoans(ctx context.Context, id circulation.MemberID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM borrow_records WHERE member_id = ? AND return_date IS NULL`, id,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans: %w", err)
	}
	return n, nil
}

func (r memberRepo) SumUnpaidFees(ctx context.Context, id circulation.MemberID) (circulation.Amount, error) {
	var where string
	switch r.s.basis {
	case circulation.FeesReturnedUnpaid:
		where = `return_date IS NOT NULL AND fee_settled = FALSE`
	case circulation.FeesAllUnsettled:
		where = `fee_settled = FALSE`
	default:
		where = `return_date IS NULL`
	}

	rows, err := r.q.QueryContext(ctx, `SELECT late_fee FROM borrow_records WHERE member_id = ? AND `+where, id)
	if err != nil {
		return circulation.Amount{}, fmt.Errorf("failed to sum unpaid fees: %w", err)
	}
	defer rows.Close()

	total := circulation.ZeroAmount()
	for rows.Next() {
		var fee string
		if err := rows.Scan(&fee); err != nil {
			return circulation.Amount{}, fmt.Errorf("failed to scan fee: %w", err)
		}
		a, err := parseAmount(fee)
		if err != nil {
			return circulation.Amount{}, err
		}
		total = total.Add(a)
	}
	return total, rows.Err()
}

// =============================================================================
// INVENTORY STORE
// =============================================================================

type inventoryRepo struct {
	q querier
}

func (r inventoryRepo) GetAvailable(ctx context.Context, bookID circulation.BookID, branchID circulation.BranchID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT available_copies FROM book_inventory WHERE book_id = ? AND branch_id = ?`, bookID, branchID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read inventory: %w", err)
	}
	return n, nil
}

func (r inventoryRepo) Adjust(ctx context.Context, bookID circulation.BookID, branchID circulation.BranchID, delta int) error {
	// Guard: only apply if the result stays non-negative.
	res, err := r.q.ExecContext(ctx, `
		UPDATE book_inventory
		SET available_copies = available_copies + ?
		WHERE book_id = ? AND branch_id = ?
		  AND available_copies + ? >= 0`,
		delta, bookID, branchID, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to adjust inventory: %w", err)
	}
	if aff > 0 {
		return nil
	}

	var exists int
	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM book_inventory WHERE book_id = ? AND branch_id = ?`, bookID, branchID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory: %w", err)
	}
	if exists == 0 {
		return &circulation.NotFoundError{Entity: "inventory", ID: int64(bookID)}
	}
	return circulation.ErrInsufficientCopies
}

// =============================================================================
// BORROW STORE
// =============================================================================

type borrowRepo struct {
	q querier
}

const recordColumns = `id, reference, member_id, book_id, branch_id, borrow_date, due_date, return_date, late_fee, is_renewed, fee_settled`

func (r borrowRepo) Save(ctx context.Context, rec circulation.BorrowRecord) (circulation.RecordID, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO borrow_records
		(reference, member_id, book_id, branch_id, borrow_date, due_date, return_date, late_fee, is_renewed, fee_settled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(rec.Reference), rec.MemberID, rec.BookID, rec.BranchID,
		formatTime(rec.BorrowDate), formatTime(rec.DueDate), formatTimePtr(rec.ReturnDate),
		rec.LateFee.Value.String(), rec.Renewed, rec.FeeSettled,
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "member_id") {
			return 0, &circulation.LoanError{MemberID: rec.MemberID, BookID: rec.BookID, Kind: circulation.KindAlreadyBorrowed}
		}
		return 0, fmt.Errorf("failed to insert borrow record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read record id: %w", err)
	}
	return circulation.RecordID(id), nil
}

func (r borrowRepo) Update(ctx context.Context, rec circulation.BorrowRecord) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE borrow_records
		SET return_date = ?, late_fee = ?, is_renewed = ?, due_date = ?, fee_settled = ?
		WHERE id = ?`,
		formatTimePtr(rec.ReturnDate), rec.LateFee.Value.String(), rec.Renewed,
		formatTime(rec.DueDate), rec.FeeSettled, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update borrow record: %w", err)
	}
	return requireRow(res, "record", int64(rec.ID))
}

func (r borrowRepo) FindOpen(ctx context.Context, memberID circulation.MemberID, bookID circulation.BookID) (*circulation.BorrowRecord, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM borrow_records
		WHERE member_id = ? AND book_id = ? AND return_date IS NULL
		LIMIT 1`, memberID, bookID)
	return scanRecordRow(row)
}

func (r borrowRepo) Get(ctx context.Context, id circulation.RecordID) (*circulation.BorrowRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM borrow_records WHERE id = ?`, id)
	return scanRecordRow(row)
}

func (r borrowRepo) SettleFees(ctx context.Context, memberID circulation.MemberID) (circulation.Amount, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT late_fee FROM borrow_records
		WHERE member_id = ? AND return_date IS NOT NULL AND fee_settled = FALSE`, memberID)
	if err != nil {
		return circulation.Amount{}, fmt.Errorf("failed to load unsettled fees: %w", err)
	}
	total := circulation.ZeroAmount()
	for rows.Next() {
		var fee string
		if err := rows.Scan(&fee); err != nil {
			rows.Close()
			return circulation.Amount{}, fmt.Errorf("failed to scan fee: %w", err)
		}
		a, err := parseAmount(fee)
		if err != nil {
			rows.Close()
			return circulation.Amount{}, err
		}
		total = total.Add(a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return circulation.Amount{}, err
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE borrow_records SET fee_settled = TRUE
		WHERE member_id = ? AND return_date IS NOT NULL AND fee_settled = FALSE`, memberID)
	if err != nil {
		return circulation.Amount{}, fmt.Errorf("failed to settle fees: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (circulation.BorrowRecord, error) {
	var (
		rec                 circulation.BorrowRecord
		reference, returned sql.NullString
		borrowDate, dueDate string
		lateFee             string
	)
	err := sc.Scan(&rec.ID, &reference, &rec.MemberID, &rec.BookID, &rec.BranchID,
		&borrowDate, &dueDate, &returned, &lateFee, &rec.Renewed, &rec.FeeSettled)
	if err != nil {
		return rec, err
	}
	rec.Reference = reference.String
	if rec.BorrowDate, err = parseTime(borrowDate); err != nil {
		return rec, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if rec.DueDate, err = parseTime(dueDate); err != nil {
		return rec, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if returned.Valid {
		t, err := parseTime(returned.String)
		if err != nil {
			return rec, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		rec.ReturnDate = &t
	}
	if rec.LateFee, err = parseAmount(lateFee); err != nil {
		return rec, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	return rec, nil
}

func scanRecordRow(row *sql.Row) (*circulation.BorrowRecord, error) {
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan borrow record: %w", err)
	}
	return &rec, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]circulation.BorrowRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query borrow records: %w", err)
	}
	defer rows.Close()

	var out []circulation.BorrowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan borrow record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"borrow_records", "book_inventory", "book_authors", "authors", "branches", "books", "members"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t, err)
		}
	}
	return nil
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &circulation.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// timeLayout is fixed-width UTC so that stored times sort and compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid stored time %q", s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value string) (circulation.Amount, error) {
	a, err := circulation.ParseAmount(value)
	if err != nil {
		return circulation.Amount{}, fmt.Errorf("invalid stored amount %q: %w", value, err)
	}
	return a, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
