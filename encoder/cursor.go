package encoder

import (
	"database/sql"
	"strings"
)

// Column describes one column of a result.
type Column struct {
	Name string
	// Type is the database type name as reported by the driver, upper case.
	// It may be empty for computed columns.
	Type string
}

// Cursor is a forward-only result set.
type Cursor interface {
	Columns() ([]Column, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type rowsCursor struct {
	*sql.Rows
}

// FromRows adapts *sql.Rows to a Cursor.
func FromRows(rows *sql.Rows) Cursor {
	return rowsCursor{rows}
}

func (r rowsCursor) Columns() ([]Column, error) {
	types, err := r.Rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, t := range types {
		cols[i] = Column{Name: t.Name(), Type: strings.ToUpper(t.DatabaseTypeName())}
	}
	return cols, nil
}
