package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
	"identityrecon/internal/store"
)

var (
	_ store.Store      = (*ContactStore)(nil)
	_ store.Transactor = (*ContactStore)(nil)
)

const defaultTxTimeout = 5 * time.Second

const selectContacts = `SELECT id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at
	FROM contacts`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ContactStore persists contacts in SQLite or PostgreSQL. Queries are written
// with ? placeholders and rebound for PostgreSQL.
type ContactStore struct {
	db        *DB
	q         querier
	txTimeout time.Duration
}

// NewContactStore returns a store running statements directly on db.
func NewContactStore(db *DB) *ContactStore {
	return &ContactStore{db: db, q: db.Conn, txTimeout: defaultTxTimeout}
}

// WithTxTimeout sets the deadline applied to transactions whose context has none.
func (s *ContactStore) WithTxTimeout(d time.Duration) *ContactStore {
	if d > 0 {
		s.txTimeout = d
	}
	return s
}

// RunInTx runs fn inside one database transaction. Any error from fn, or a
// failed commit, rolls every write back.
func (s *ContactStore) RunInTx(ctx context.Context, fn func(store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&ContactStore{db: s.db, q: tx, txTimeout: s.txTimeout}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (s *ContactStore) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	var preds []string
	var args []any
	if email != nil {
		preds = append(preds, "email = ?")
		args = append(args, *email)
	}
	if phone != nil {
		preds = append(preds, "phone_number = ?")
		args = append(args, *phone)
	}
	if len(preds) == 0 {
		return nil, nil
	}
	query := selectContacts + ` WHERE deleted_at IS NULL AND (` + strings.Join(preds, " OR ") + `)`
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, classify("find contacts by email or phone", err)
	}
	return contacts, nil
}

func (s *ContactStore) FindByLinkRelation(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in := placeholders(len(ids))
	query := selectContacts + ` WHERE deleted_at IS NULL AND (
		linked_id IN (` + in + `)
		OR id IN (SELECT linked_id FROM contacts WHERE id IN (` + in + `) AND linked_id IS NOT NULL AND deleted_at IS NULL)
	)`
	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, classify("find contacts by link relation", err)
	}
	return contacts, nil
}

func (s *ContactStore) FindCluster(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	query := selectContacts + ` WHERE (id = ? OR linked_id = ?) AND deleted_at IS NULL`
	contacts, err := s.queryContacts(ctx, query, primaryID, primaryID)
	if err != nil {
		return nil, classify("find cluster", err)
	}
	return contacts, nil
}

func (s *ContactStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := selectContacts + ` WHERE id = ? AND deleted_at IS NULL`
	contacts, err := s.queryContacts(ctx, query, id)
	if err != nil {
		return nil, classify("find contact by id", err)
	}
	if len(contacts) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return contacts[0], nil
}

func (s *ContactStore) Insert(ctx context.Context, c *models.Contact) error {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`

	if c.LinkPrecedence == "" {
		c.LinkPrecedence = models.LinkPrecedencePrimary
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	var id int64
	err := s.q.QueryRowContext(ctx, s.rebind(query),
		nullString(c.PhoneNumber),
		nullString(c.Email),
		nullInt64(c.LinkedID),
		string(c.LinkPrecedence),
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return classify("insert contact", err)
	}
	c.ID = id
	return nil
}

func (s *ContactStore) UpdateLinkage(ctx context.Context, id int64, linkage models.Linkage) error {
	query := `UPDATE contacts SET link_precedence = ?, linked_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`
	res, err := s.q.ExecContext(ctx, s.rebind(query),
		string(linkage.LinkPrecedence),
		nullInt64(linkage.LinkedID),
		linkage.UpdatedAt.UTC(),
		id,
	)
	if err != nil {
		return classify("update contact linkage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update contact linkage", err)
	}
	if n == 0 {
		return fmt.Errorf("update contact linkage %d: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

// SoftDelete marks a contact deleted; reads skip it afterwards.
func (s *ContactStore) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE contacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`), at.UTC(), id)
	if err != nil {
		return classify("soft delete contact", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// queryContacts executes a query and returns contacts ordered by creation.
func (s *ContactStore) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c := &models.Contact{}
		var phone, email sql.NullString
		var linkedID sql.NullInt64
		var precedence string
		var deletedAt sql.NullTime

		err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, err
		}

		c.LinkPrecedence = models.LinkPrecedence(precedence)
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}

		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].Before(contacts[j])
	})
	return contacts, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *ContactStore) rebind(query string) string {
	if s.db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
