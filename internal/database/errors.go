package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"

	"identityrecon/internal/sentinel"
)

// SQLite primary result codes shared by both SQLite drivers.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// classify maps driver errors onto sentinel errors, keeping the cause in the
// chain. Errors it does not recognize are wrapped with op only.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	if fact := factOf(err); fact != nil {
		return fmt.Errorf("%s: %w: %w", op, fact, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func factOf(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return sentinel.ErrUnavailable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return postgresFact(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresFact(pgErr.Code)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return sqliteFact(int(liteErr.Code))
	}
	var mliteErr *msqlite.Error
	if errors.As(err, &mliteErr) {
		return sqliteFact(mliteErr.Code() & 0xff)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return sentinel.ErrUnavailable
	}
	return nil
}

// postgresFact classifies SQLSTATE codes.
func postgresFact(code string) error {
	switch {
	case strings.HasPrefix(code, "08"), // connection exception
		code == "40001", // serialization_failure
		code == "40P01", // deadlock_detected
		code == "55P03", // lock_not_available
		code == "57P01", // admin_shutdown
		code == "57014": // query_canceled
		return sentinel.ErrUnavailable
	case strings.HasPrefix(code, "23"):
		return sentinel.ErrConflict
	}
	return nil
}

func sqliteFact(code int) error {
	switch code {
	case sqliteBusy, sqliteLocked:
		return sentinel.ErrUnavailable
	case sqliteConstraint:
		return sentinel.ErrConflict
	}
	return nil
}
