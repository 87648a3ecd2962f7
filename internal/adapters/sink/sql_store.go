package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

var (
	ErrUnknownDriver = errors.New("unknown database driver")
	ErrInvalidTable  = errors.New("invalid table name")
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func dialectOf(driver string) (dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return dialectPostgres, nil
	case "sqlite":
		return dialectSQLite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

type Options struct {
	Driver         string
	Table          string
	ConnectTimeout time.Duration
	LockTimeout    time.Duration
	// StatementTimeout is sent as SET LOCAL statement_timeout on Postgres.
	// SQLite has no equivalent; the caller's context bounds it there.
	StatementTimeout time.Duration
}

// SQLStore writes chunks to the history table. Every WriteChunk call takes
// its own connection from db and releases it before returning.
type SQLStore struct {
	db      *sql.DB
	opts    Options
	insert  string
	txSetup []string
}

func NewSQLStore(db *sql.DB, opts Options) (*SQLStore, error) {
	d, err := dialectOf(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.Table == "" {
		opts.Table = "opc_history"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, opts.Table)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	s := &SQLStore{db: db, opts: opts}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(opts.Table)
	b.WriteString(" (tag_id, value, ts, quality) VALUES ")
	switch d {
	case dialectSQLite:
		b.WriteString("(?, ?, ?, ?)")
		if opts.LockTimeout > 0 {
			s.txSetup = append(s.txSetup, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.LockTimeout.Milliseconds()))
		}
	default:
		b.WriteString("($1, $2, $3, $4)")
		if opts.LockTimeout > 0 {
			s.txSetup = append(s.txSetup, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds()))
		}
		if opts.StatementTimeout > 0 {
			s.txSetup = append(s.txSetup, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds()))
		}
	}
	b.WriteString(" ON CONFLICT (tag_id, ts) DO NOTHING")
	s.insert = b.String()
	return s, nil
}

func (s *SQLStore) Name() string { return s.opts.Driver }

// WriteChunk inserts samples in one transaction. A row rejected for its
// content is reported as *ports.RecordError so the caller can drop it and
// resubmit the rest.
func (s *SQLStore) WriteChunk(ctx context.Context, samples []*domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.db.Conn(connCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, q := range s.txSetup {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", q, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	for i, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.TagID, smp.Arg(), smp.Timestamp.UTC(), int64(smp.Quality)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			if Classify(err) == retry.ClassData {
				return &ports.RecordError{Index: i, Err: err}
			}
			return fmt.Errorf("insert tag %d: %w", smp.TagID, err)
		}
	}
	_ = stmt.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var _ ports.Store = (*SQLStore)(nil)
