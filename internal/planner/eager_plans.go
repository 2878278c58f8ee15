package planner

import (
	"fmt"
	"strings"

	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// RootAlias is the derived-table alias of the root selection in an eager join.
const RootAlias = "__root"

// EagerJoin is one association folded into the root query.
type EagerJoin struct {
	Association *schema.Association
	Target      *schema.Type
}

// EagerAlias returns the table alias of the i-th eager join.
func EagerAlias(i int) string {
	return fmt.Sprintf("__eager_%d", i)
}

// EagerColumnAlias returns the result column alias of col in the i-th eager join.
func EagerColumnAlias(i int, col string) string {
	return fmt.Sprintf("__eager_%d_%s", i, col)
}

// PlanEagerJoin builds one query returning the root rows together with the
// targets of every eager association.
//
// Roots are filtered and paginated inside a derived table so LIMIT and
// OFFSET count roots, not joined rows. Each association is LEFT JOINed, so a
// root without targets still yields a row with NULL target columns.
func PlanEagerJoin(d sqlutil.Dialect, root *schema.Type, q RootQuery, joins []EagerJoin) (SQLQuery, error) {
	if len(joins) == 0 {
		return PlanRoot(d, root, q)
	}
	inner, err := rootSelect(d, root, q, false)
	if err != nil {
		return SQLQuery{}, err
	}

	rootAlias := d.QuoteIdentifier(RootAlias)
	builder := sq.Select(qualifiedColumnNames(d, rootAlias, root.Columns)...).
		FromSelect(inner, rootAlias)

	orderBy := orderByClauses(d, rootAlias, root, q.OrderBy)
	for i, join := range joins {
		assoc := join.Association
		if assoc.Owner != root.Name || assoc.Target != join.Target.Name {
			return SQLQuery{}, fmt.Errorf("eager join %s does not connect %s to %s", assoc.ID(), root.Name, join.Target.Name)
		}
		alias := d.QuoteIdentifier(EagerAlias(i))
		for _, col := range join.Target.Columns {
			builder = builder.Column(fmt.Sprintf("%s AS %s", qualify(d, alias, col), d.QuoteIdentifier(EagerColumnAlias(i, col))))
		}

		predicates := make([]string, len(assoc.LocalColumns))
		for k := range assoc.LocalColumns {
			predicates[k] = fmt.Sprintf("%s = %s", qualify(d, alias, assoc.RemoteColumns[k]), qualify(d, rootAlias, assoc.LocalColumns[k]))
		}
		builder = builder.LeftJoin(fmt.Sprintf("%s AS %s ON %s", d.QuoteIdentifier(join.Target.Table), alias, strings.Join(predicates, " AND ")))

		for _, pk := range join.Target.PrimaryKey {
			orderBy = append(orderBy, qualify(d, alias, pk)+" ASC")
		}
	}
	builder = builder.OrderBy(orderBy...)

	query, args, err := builder.PlaceholderFormat(d.Placeholder).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// ExtractEagerRow pulls the columns of the i-th eager join out of a joined
// row. It returns nil when the LEFT JOIN found no target.
func ExtractEagerRow(row schema.Row, i int, target *schema.Type) schema.Row {
	child := make(schema.Row, len(target.Columns))
	for _, col := range target.Columns {
		child[col] = row[EagerColumnAlias(i, col)]
	}
	if _, ok := schema.KeyFromRow(child, target.PrimaryKey); !ok {
		return nil
	}
	return child
}

// ExtractRootRow copies the root columns out of a joined row.
func ExtractRootRow(row schema.Row, root *schema.Type) schema.Row {
	out := make(schema.Row, len(root.Columns))
	for _, col := range root.Columns {
		out[col] = row[col]
	}
	return out
}
