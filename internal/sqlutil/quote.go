// Package sqlutil provides SQL dialect helpers.
package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the identifier quoting and placeholder style of a database.
type Dialect struct {
	Name        string
	quote       string
	Placeholder sq.PlaceholderFormat
	// FoldsCase is set when the default collations compare strings
	// case-insensitively, so IN (...) can return rows whose key differs
	// from the requested one only in case.
	FoldsCase bool
}

var (
	// MySQL covers MySQL and TiDB.
	MySQL = Dialect{Name: "mysql", quote: "`", Placeholder: sq.Question, FoldsCase: true}
	// Postgres covers PostgreSQL.
	Postgres = Dialect{Name: "postgres", quote: `"`, Placeholder: sq.Dollar}
)

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "mysql", "tidb":
		return MySQL, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// and escapes any quote characters within the identifier.
func (d Dialect) QuoteIdentifier(name string) string {
	q := d.quote
	if q == "" {
		q = "`"
	}
	escaped := strings.ReplaceAll(name, q, q+q)
	return q + escaped + q
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func (d Dialect) QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// QuoteIdentifier quotes with the MySQL dialect.
func QuoteIdentifier(name string) string {
	return MySQL.QuoteIdentifier(name)
}
