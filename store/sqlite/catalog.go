package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/library-circulation/circulation"
)

// =============================================================================
// CATALOG STORE (circulation.CatalogStore interface)
// =============================================================================

func (s *Store) SaveBook(ctx context.Context, b circulation.Book) (circulation.BookID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO books (isbn, title, publication_year, category, total_copies)
		VALUES (?, ?, ?, ?, ?)`,
		b.ISBN, b.Title, b.PublicationYear, nullString(b.Category), b.TotalCopies,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: isbn %s already catalogued", circulation.ErrInvalidInput, b.ISBN)
		}
		return 0, fmt.Errorf("failed to insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read book id: %w", err)
	}
	return circulation.BookID(id), nil
}

func (s *Store) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBook(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetBookByISBN(ctx context.Context, isbn string) (*circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBook(ctx, `WHERE isbn = ? COLLATE NOCASE`, isbn)
}

func (s *Store) getBook(ctx context.Context, where string, arg any) (*circulation.Book, error) {
	books, err := s.queryBooks(ctx, `SELECT `+bookColumns+` FROM books `+where+` LIMIT 1`, arg)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, nil
	}
	return &books[0], nil
}

func (s *Store) SaveBranch(ctx context.Context, b circulation.Branch) (circulation.BranchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (name, location, operating_hours, contact_phone, contact_email)
		VALUES (?, ?, ?, ?, ?)`,
		b.Name, b.Location, nullString(b.OperatingHours), nullString(b.ContactPhone), nullString(b.ContactEmail),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert branch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read branch id: %w", err)
	}
	return circulation.BranchID(id), nil
}

func (s *Store) SaveAuthor(ctx context.Context, a circulation.Author) (circulation.AuthorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO authors (name, biography, nationality, birth_date, death_date, primary_genre)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Name, nullString(a.Biography), nullString(a.Nationality),
		formatTimePtr(a.BirthDate), formatTimePtr(a.DeathDate), nullString(a.PrimaryGenre),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert author: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read author id: %w", err)
	}
	return circulation.AuthorID(id), nil
}

func (s *Store) LinkAuthor(ctx context.Context, bookID circulation.BookID, authorID circulation.AuthorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExists(ctx, "books", "book", int64(bookID)); err != nil {
		return err
	}
	if err := s.requireExists(ctx, "authors", "author", int64(authorID)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO book_authors (book_id, author_id) VALUES (?, ?)`, bookID, authorID)
	if err != nil {
		return fmt.Errorf("failed to link author: %w", err)
	}
	return nil
}

func (s *Store) SetInventory(ctx context.Context, inv circulation.BranchInventory) error {
	if inv.AvailableCopies < 0 {
		return circulation.ErrInsufficientCopies
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO book_inventory (book_id, branch_id, available_copies) VALUES (?, ?, ?)
		ON CONFLICT(book_id, branch_id) DO UPDATE SET available_copies = excluded.available_copies`,
		inv.BookID, inv.BranchID, inv.AvailableCopies,
	)
	if err != nil {
		return fmt.Errorf("failed to set inventory: %w", err)
	}
	return nil
}

func (s *Store) requireExists(ctx context.Context, table, entity string, id int64) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check %s: %w", entity, err)
	}
	if n == 0 {
		return &circulation.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

const bookColumns = `id, isbn, title, publication_year, category, total_copies`

func (s *Store) queryBooks(ctx context.Context, query string, args ...any) ([]circulation.Book, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	var books []circulation.Book
	for rows.Next() {
		var (
			b        circulation.Book
			year     sql.NullInt64
			category sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ISBN, &b.Title, &year, &category, &b.TotalCopies); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		b.PublicationYear = int(year.Int64)
		b.Category = category.String
		books = append(books, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: authors are loaded after the book cursor is closed.
	for i := range books {
		authors, err := s.authorsOf(ctx, books[i].ID)
		if err != nil {
			return nil, err
		}
		books[i].Authors = authors
	}
	return books, nil
}

func (s *Store) authorsOf(ctx context.Context, bookID circulation.BookID) ([]circulation.Author, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.biography, a.nationality, a.birth_date, a.death_date, a.primary_genre
		FROM authors a JOIN book_authors ba ON ba.author_id = a.id
		WHERE ba.book_id = ?
		ORDER BY a.id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query authors: %w", err)
	}
	defer rows.Close()

	var authors []circulation.Author
	for rows.Next() {
		var (
			a               circulation.Author
			bio, nat, genre sql.NullString
			birth, death    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Name, &bio, &nat, &birth, &death, &genre); err != nil {
			return nil, fmt.Errorf("failed to scan author: %w", err)
		}
		a.Biography = bio.String
		a.Nationality = nat.String
		a.PrimaryGenre = genre.String
		if a.BirthDate, err = parseTimePtr(birth); err != nil {
			return nil, fmt.Errorf("author %d: %w", a.ID, err)
		}
		if a.DeathDate, err = parseTimePtr(death); err != nil {
			return nil, fmt.Errorf("author %d: %w", a.ID, err)
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// QUERY STORE (circulation.QueryStore interface)
// =============================================================================

func (s *Store) History(ctx context.Context, memberID circulation.MemberID, limit int) ([]circulation.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + recordColumns + ` FROM borrow_records WHERE member_id = ? ORDER BY borrow_date DESC, id DESC`
	args := []any{memberID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryRecords(ctx, s.db, query, args...)
}

func (s *Store) ActiveLoans(ctx context.Context, memberID circulation.MemberID) ([]circulation.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+` FROM borrow_records
		WHERE member_id = ? AND return_date IS NULL
		ORDER BY due_date ASC, id ASC`, memberID)
}

func (s *Store) Overdue(ctx context.Context, asOf time.Time) ([]circulation.OverdueLoan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.reference, r.member_id, r.book_id, r.branch_id, r.borrow_date, r.due_date,
		       r.return_date, r.late_fee, r.is_renewed, r.fee_settled,
		       b.title, b.isbn, m.full_name, m.email
		FROM borrow_records r
		JOIN books b ON b.id = r.book_id
		JOIN members m ON m.id = r.member_id
		WHERE r.return_date IS NULL AND r.due_date < ?
		ORDER BY r.due_date ASC, r.id ASC`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue loans: %w", err)
	}
	defer rows.Close()

	loans := []circulation.OverdueLoan{}
	for rows.Next() {
		var l circulation.OverdueLoan
		rec, err := scanRecord(overdueRow{rows: rows, loan: &l})
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue loan: %w", err)
		}
		l.Record = rec
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// overdueRow appends the joined book and member columns to a record scan.
type overdueRow struct {
	rows *sql.Rows
	loan *circulation.OverdueLoan
}

func (o overdueRow) Scan(dest ...any) error {
	dest = append(dest, &o.loan.Title, &o.loan.ISBN, &o.loan.MemberName, &o.loan.MemberEmail)
	return o.rows.Scan(dest...)
}

func (s *Store) Availability(ctx context.Context, bookID circulation.BookID) ([]circulation.BranchAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT br.id, br.name, br.location, br.operating_hours, br.contact_phone, br.contact_email, i.available_copies
		FROM book_inventory i JOIN branches br ON br.id = i.branch_id
		WHERE i.book_id = ? AND i.available_copies > 0
		ORDER BY br.name ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query availability: %w", err)
	}
	defer rows.Close()

	var out []circulation.BranchAvailability
	for rows.Next() {
		var (
			a                   circulation.BranchAvailability
			hours, phone, email sql.NullString
		)
		if err := rows.Scan(&a.Branch.ID, &a.Branch.Name, &a.Branch.Location, &hours, &phone, &email, &a.AvailableCopies); err != nil {
			return nil, fmt.Errorf("failed to scan availability: %w", err)
		}
		a.Branch.OperatingHours = hours.String
		a.Branch.ContactPhone = phone.String
		a.Branch.ContactEmail = email.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SearchBooks(ctx context.Context, query string, by circulation.SearchField) ([]circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + likeEscaper.Replace(query) + "%"
	switch by {
	case circulation.SearchByTitle:
		return s.queryBooks(ctx, `SELECT `+bookColumns+` FROM books WHERE title LIKE ? ESCAPE '\' ORDER BY id`, like)
	case circulation.SearchByISBN:
		return s.queryBooks(ctx, `SELECT `+bookColumns+` FROM books WHERE isbn = ? COLLATE NOCASE ORDER BY id`, query)
	case circulation.SearchByAuthor:
		return s.queryBooks(ctx, `
			SELECT DISTINCT b.id, b.isbn, b.title, b.publication_year, b.category, b.total_copies
			FROM books b
			JOIN book_authors ba ON ba.book_id = b.id
			JOIN authors a ON a.id = ba.author_id
			WHERE a.name LIKE ? ESCAPE '\'
			ORDER BY b.id`, like)
	}
	return nil, nil
}

// likeEscaper makes LIKE wildcards in a search query match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
