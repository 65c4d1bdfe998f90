package connector

import (
	"context"
	"database/sql"
	"net/url"
	"strings"

	"github.com/agentuity/scylla/encoder"
	"github.com/cockroachdb/errors"
)

// Session is one backend connection. Sessions are not pooled: each verify or
// execute dials its own and closes it when done.
type Session interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, stmt string) (int64, error)
	// Prepare compiles query without running it.
	Prepare(ctx context.Context, query string) error
	// Query runs query and returns its rows.
	Query(ctx context.Context, query string) (encoder.Cursor, error)
	Close() error
}

// LogSource is implemented by sessions that expose the engine's progress log
// for the running statement.
type LogSource interface {
	HasMoreLogs() bool
	QueryLog(ctx context.Context) ([]string, error)
}

// Dialer opens a session.
type Dialer func(ctx context.Context, dsn, user, password string) (Session, error)

// Credentials selects how user and password reach the driver.
type Credentials string

const (
	// CredentialsURL puts them in the userinfo of a URL connection string.
	CredentialsURL Credentials = "url"
	// CredentialsKeyValue appends user= and password= pairs to a key/value
	// connection string.
	CredentialsKeyValue Credentials = "keyvalue"
	// CredentialsNone leaves the connection string untouched.
	CredentialsNone Credentials = "none"
)

// ParseCredentials parses a credentials style. Empty means none.
func ParseCredentials(s string) (Credentials, error) {
	switch c := Credentials(strings.ToLower(s)); c {
	case CredentialsURL, CredentialsKeyValue, CredentialsNone:
		return c, nil
	case "":
		return CredentialsNone, nil
	}
	return "", errors.Newf("unknown credentials style %q", s)
}

// WithCredentials returns dsn carrying user and password in the given style.
func WithCredentials(style Credentials, dsn, user, password string) (string, error) {
	if user == "" && password == "" {
		return dsn, nil
	}
	switch style {
	case CredentialsURL:
		u, err := url.Parse(dsn)
		if err != nil {
			return "", errors.Wrap(err, "error parsing connection string")
		}
		if password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
		return u.String(), nil
	case CredentialsKeyValue:
		var sb strings.Builder
		sb.WriteString(strings.TrimSpace(dsn))
		if user != "" {
			sb.WriteString(" user=")
			sb.WriteString(quoteValue(user))
		}
		if password != "" {
			sb.WriteString(" password=")
			sb.WriteString(quoteValue(password))
		}
		return strings.TrimSpace(sb.String()), nil
	}
	return dsn, nil
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// SQLDialer dials sessions through database/sql.
func SQLDialer(driver string, style Credentials) Dialer {
	return func(ctx context.Context, dsn, user, password string) (Session, error) {
		dsn, err := WithCredentials(style, dsn, user, password)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		conn, err := db.Conn(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &sqlSession{db: db, conn: conn}, nil
	}
}

type sqlSession struct {
	db   *sql.DB
	conn *sql.Conn
}

func (s *sqlSession) Exec(ctx context.Context, stmt string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// some drivers cannot count rows for DDL
		return 0, nil
	}
	return n, nil
}

func (s *sqlSession) Prepare(ctx context.Context, query string) error {
	stmt, err := s.conn.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	return stmt.Close()
}

func (s *sqlSession) Query(ctx context.Context, query string) (encoder.Cursor, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return encoder.FromRows(rows), nil
}

func (s *sqlSession) Close() error {
	return errors.CombineErrors(s.conn.Close(), s.db.Close())
}
