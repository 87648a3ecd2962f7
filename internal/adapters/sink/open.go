package sink

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// DSNParams are the connection parts of the database section. DSN, when
// set, is used verbatim.
type DSNParams struct {
	Driver         string
	DSN            string
	Host           string
	Port           int
	Name           string
	User           string
	Password       string
	SSLMode        string
	ConnectTimeout time.Duration
}

func BuildDSN(p DSNParams) (string, error) {
	if p.DSN != "" {
		return p.DSN, nil
	}
	d, err := dialectOf(p.Driver)
	if err != nil {
		return "", err
	}
	if d == dialectSQLite {
		if p.Name == "" {
			return "", fmt.Errorf("sqlite requires database.name (file path)")
		}
		return "file:" + p.Name + "?_pragma=journal_mode(WAL)", nil
	}

	u := url.URL{Scheme: "postgres", Path: "/" + p.Name}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	if p.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(p.Port))
	}
	u.Host = host
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.ConnectTimeout > 0 {
		secs := int(p.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open returns a pool that keeps no idle connections, so every flush dials
// afresh and a dead server is noticed on the next cycle.
func Open(driver, dsn string, maxOpen int) (*sql.DB, error) {
	if _, err := dialectOf(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxIdleConns(0)
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	return db, nil
}
