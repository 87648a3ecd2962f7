package sink

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

// Classify maps driver errors of every supported backend to a retry class.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.ClassTransient
	}
	var ce *retry.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var rec *ports.RecordError
	if errors.As(err, &rec) {
		return retry.ClassData
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return classifySQLiteCode(liteErr.Code())
	}
	return retry.Classify(err)
}

func classifySQLState(code string) retry.Class {
	switch code {
	case "57P01", "57P02", "57P03", "25006":
		return retry.ClassServerState
	case "40001", "40P01", "55P03", "57014":
		return retry.ClassTransient
	case "3F000":
		return retry.ClassSchema
	}
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return retry.ClassTransient
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		return retry.ClassData
	case strings.HasPrefix(code, "42"):
		return retry.ClassSchema
	case strings.HasPrefix(code, "28"):
		return retry.ClassSecurity
	}
	return retry.ClassTransient
}

// classifySQLiteCode takes an extended result code.
func classifySQLiteCode(code int) retry.Class {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
		return retry.ClassTransient
	case sqlite3.SQLITE_READONLY:
		return retry.ClassServerState
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return retry.ClassData
	case sqlite3.SQLITE_ERROR:
		// "no such table" and friends.
		return retry.ClassSchema
	case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM:
		return retry.ClassSecurity
	}
	return retry.ClassTransient
}
