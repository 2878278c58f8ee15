// Package introspection discovers tables, keys and indexes from a MySQL or
// TiDB information_schema and turns them into a schema.Registry.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Column represents a database column
type Column struct {
	Name       string
	DataType   string
	IsNullable bool
}

// Index represents a database index with ordered columns.
type Index struct {
	Name    string
	Unique  bool
	Columns []string
}

// ForeignKey is one KEY_COLUMN_USAGE row of a foreign key constraint.
type ForeignKey struct {
	ColumnName       string
	ReferencedTable  string
	ReferencedColumn string
	ConstraintName   string
	OrdinalPosition  int
}

// Table represents a base table.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []Index
}

// ColumnNames returns the column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// Schema is the introspected database.
type Schema struct {
	Tables []Table
}

// Table returns the named table.
func (s *Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IntrospectDatabaseContext reads every base table of databaseName.
func IntrospectDatabaseContext(ctx context.Context, db Queryer, databaseName string) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	names, err := getTables(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}

	schema := &Schema{Tables: make([]Table, 0, len(names))}
	for _, name := range names {
		table := Table{Name: name}
		if table.Columns, err = getColumns(ctx, db, databaseName, name); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get columns for %s: %w", name, err)
		}
		if table.PrimaryKey, err = getPrimaryKeys(ctx, db, databaseName, name); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get primary keys for table %s: %w", name, err)
		}
		if table.ForeignKeys, err = getForeignKeys(ctx, db, databaseName, name); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", name, err)
		}
		if table.Indexes, err = getIndexes(ctx, db, databaseName, name); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get indexes for table %s: %w", name, err)
		}
		schema.Tables = append(schema.Tables, table)
	}
	span.SetAttributes(attribute.Int("db.tables", len(schema.Tables)))
	return schema, nil
}

func getTables(ctx context.Context, db Queryer, databaseName string) ([]string, error) {
	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
		AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	rows, err := db.QueryContext(ctx, query, databaseName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func getColumns(ctx context.Context, db Queryer, databaseName, tableName string) ([]Column, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable string
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable); err != nil {
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func getPrimaryKeys(ctx context.Context, db Queryer, databaseName, tableName string) ([]string, error) {
	query := `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`
	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var primaryKeys []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		primaryKeys = append(primaryKeys, columnName)
	}
	return primaryKeys, rows.Err()
}

func getForeignKeys(ctx context.Context, db Queryer, databaseName, tableName string) ([]ForeignKey, error) {
	query := `
		SELECT
			COLUMN_NAME,
			REFERENCED_TABLE_NAME,
			REFERENCED_COLUMN_NAME,
			CONSTRAINT_NAME,
			ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
			AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION
	`
	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable,
			&fk.ReferencedColumn, &fk.ConstraintName, &fk.OrdinalPosition); err != nil {
			return nil, err
		}
		foreignKeys = append(foreignKeys, fk)
	}
	return foreignKeys, rows.Err()
}

func getIndexes(ctx context.Context, db Queryer, databaseName, tableName string) ([]Index, error) {
	query := `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX
	`
	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	indexByName := make(map[string]*Index)
	for rows.Next() {
		var indexName, columnName string
		var nonUnique int
		if err := rows.Scan(&indexName, &nonUnique, &columnName); err != nil {
			return nil, err
		}
		index, ok := indexByName[indexName]
		if !ok {
			index = &Index{Name: indexName, Unique: nonUnique == 0}
			indexByName[indexName] = index
		}
		index.Columns = append(index.Columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]Index, 0, len(indexByName))
	for _, index := range indexByName {
		indexes = append(indexes, *index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
	return indexes, nil
}

// HasIndexPrefix reports whether some index of t starts with columns, in any
// order. Such an index serves an IN lookup on those columns.
func HasIndexPrefix(t Table, columns []string) bool {
	if len(columns) == 0 {
		return false
	}
	want := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		want[col] = struct{}{}
	}
	for _, idx := range t.Indexes {
		if len(idx.Columns) < len(columns) {
			continue
		}
		matched := true
		for _, col := range idx.Columns[:len(columns)] {
			if _, ok := want[col]; !ok {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("lazybatch/introspection")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
