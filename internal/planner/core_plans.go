package planner

import (
	"errors"
	"fmt"

	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// ErrNoPrimaryKey indicates a required primary key is missing for a plan.
var ErrNoPrimaryKey = errors.New("no primary key")

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// IsEmpty reports whether nothing needs to be executed.
func (q SQLQuery) IsEmpty() bool {
	return q.SQL == ""
}

// OrderBy is one ORDER BY term.
type OrderBy struct {
	Column string
	Desc   bool
}

// RootQuery selects the root rows of a load.
type RootQuery struct {
	Type    string
	Where   map[string]interface{}
	OrderBy []OrderBy
	Limit   int
	Offset  int
}

// PlanRoot builds the SQL for a root query without any eager joins.
func PlanRoot(d sqlutil.Dialect, t *schema.Type, q RootQuery) (SQLQuery, error) {
	builder, err := rootSelect(d, t, q, true)
	if err != nil {
		return SQLQuery{}, err
	}

	query, args, err := builder.PlaceholderFormat(d.Placeholder).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// rootSelect builds the filtered, paginated root selection. A nested select
// only needs ORDER BY when it paginates.
func rootSelect(d sqlutil.Dialect, t *schema.Type, q RootQuery, ordered bool) (sq.SelectBuilder, error) {
	if len(t.PrimaryKey) == 0 {
		return sq.SelectBuilder{}, fmt.Errorf("type %s: %w", t.Name, ErrNoPrimaryKey)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return sq.SelectBuilder{}, fmt.Errorf("limit and offset must be non-negative")
	}
	if q.Offset > 0 && q.Limit == 0 {
		return sq.SelectBuilder{}, fmt.Errorf("offset requires a limit")
	}

	builder := sq.Select(quotedColumnNames(d, t.Columns)...).
		From(d.QuoteIdentifier(t.Table))

	if len(q.Where) > 0 {
		whereClause := sq.Eq{}
		for col, value := range q.Where {
			if !t.HasColumn(col) {
				return sq.SelectBuilder{}, fmt.Errorf("unknown filter column %s on %s", col, t.Name)
			}
			whereClause[d.QuoteIdentifier(col)] = value
		}
		builder = builder.Where(whereClause)
	}
	for _, ob := range q.OrderBy {
		if !t.HasColumn(ob.Column) {
			return sq.SelectBuilder{}, fmt.Errorf("unknown order column %s on %s", ob.Column, t.Name)
		}
	}

	if ordered || q.Limit > 0 {
		builder = builder.OrderBy(orderByClauses(d, "", t, q.OrderBy)...)
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		builder = builder.Offset(uint64(q.Offset))
	}
	return builder, nil
}

// orderByClauses renders the requested ordering followed by the primary key
// as a tiebreaker. quotedAlias qualifies the columns when non-empty.
func orderByClauses(d sqlutil.Dialect, quotedAlias string, t *schema.Type, orderBy []OrderBy) []string {
	clauses := make([]string, 0, len(orderBy)+len(t.PrimaryKey))
	seen := make(map[string]struct{}, len(orderBy))
	for _, ob := range orderBy {
		direction := "ASC"
		if ob.Desc {
			direction = "DESC"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s", qualify(d, quotedAlias, ob.Column), direction))
		seen[ob.Column] = struct{}{}
	}
	for _, pk := range t.PrimaryKey {
		if _, ok := seen[pk]; ok {
			continue
		}
		clauses = append(clauses, qualify(d, quotedAlias, pk)+" ASC")
	}
	return clauses
}

func qualify(d sqlutil.Dialect, quotedAlias, column string) string {
	if quotedAlias == "" {
		return d.QuoteIdentifier(column)
	}
	return quotedAlias + "." + d.QuoteIdentifier(column)
}

func quotedColumnNames(d sqlutil.Dialect, columns []string) []string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = d.QuoteIdentifier(col)
	}
	return quoted
}

// qualifiedColumnNames returns column identifiers prefixed with a pre-quoted table alias.
func qualifiedColumnNames(d sqlutil.Dialect, quotedAlias string, columns []string) []string {
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = qualify(d, quotedAlias, col)
	}
	return qualified
}
