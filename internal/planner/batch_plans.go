package planner

import (
	"fmt"
	"strings"

	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// BatchParentAlias is the column alias used to return owner join keys in batch queries.
const BatchParentAlias = "__batch_parent_id"

const batchParentAliasPrefix = "__batch_parent_"

// BatchParentAliases returns the extra scan aliases emitted by batch SQL.
func BatchParentAliases(columnCount int) []string {
	if columnCount <= 1 {
		return []string{BatchParentAlias}
	}
	aliases := make([]string, columnCount)
	for i := 0; i < columnCount; i++ {
		aliases[i] = batchParentAliasPrefix + fmt.Sprint(i)
	}
	return aliases
}

// PlanBatchFetch builds the single bulk query that loads the targets of
// assoc for every owner join key in keys.
//
// The target's remote columns are repeated under BatchParentAliases so that
// result rows can be partitioned back to their owners regardless of the
// association direction.
func PlanBatchFetch(d sqlutil.Dialect, target *schema.Type, assoc *schema.Association, keys []schema.Key) (SQLQuery, error) {
	if len(keys) == 0 {
		return SQLQuery{}, nil
	}
	if len(assoc.RemoteColumns) == 0 {
		return SQLQuery{}, fmt.Errorf("batch for %s requires at least one remote column", assoc.ID())
	}
	if target.Name != assoc.Target {
		return SQLQuery{}, fmt.Errorf("batch for %s planned against %s, want %s", assoc.ID(), target.Name, assoc.Target)
	}
	aliases := BatchParentAliases(len(assoc.RemoteColumns))

	builder := sq.Select(quotedColumnNames(d, target.Columns)...).
		From(d.QuoteIdentifier(target.Table))
	for i, col := range assoc.RemoteColumns {
		builder = builder.Column(fmt.Sprintf("%s AS %s", d.QuoteIdentifier(col), aliases[i]))
	}

	whereSQL, whereArgs, err := buildTupleInCondition(quotedColumnNames(d, assoc.RemoteColumns), keys)
	if err != nil {
		return SQLQuery{}, err
	}
	if whereSQL == "" {
		return SQLQuery{}, nil
	}
	builder = builder.Where(sq.Expr(whereSQL, whereArgs...)).
		OrderBy(orderByClauses(d, "", target, nil)...)

	query, args, err := builder.PlaceholderFormat(d.Placeholder).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// SplitBatchRow removes the parent alias columns from a scanned batch row
// and returns them as the owner join key.
func SplitBatchRow(row schema.Row, width int) (schema.Key, schema.Row, error) {
	aliases := BatchParentAliases(width)
	key := make(schema.Key, len(aliases))
	for i, alias := range aliases {
		v, ok := row[alias]
		if !ok {
			return nil, nil, fmt.Errorf("batch row is missing %s", alias)
		}
		key[i] = v
		delete(row, alias)
	}
	return key, row, nil
}

func buildTupleInCondition(quotedColumns []string, tuples []schema.Key) (string, []interface{}, error) {
	if len(tuples) == 0 {
		return "", nil, nil
	}
	width := len(quotedColumns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}

	if width == 1 {
		placeholders := sq.Placeholders(len(tuples))
		args := make([]interface{}, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple) != 1 {
				return "", nil, fmt.Errorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple[0])
		}
		return fmt.Sprintf("%s IN (%s)", quotedColumns[0], placeholders), args, nil
	}

	args := make([]interface{}, 0, len(tuples)*width)
	rowPlaceholders := make([]string, 0, len(tuples))
	valuePlaceholders := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
	for _, tuple := range tuples {
		if len(tuple) != width {
			return "", nil, fmt.Errorf("tuple width mismatch: expected %d values", width)
		}
		rowPlaceholders = append(rowPlaceholders, valuePlaceholders)
		args = append(args, tuple...)
	}

	return fmt.Sprintf("(%s) IN (%s)", strings.Join(quotedColumns, ", "), strings.Join(rowPlaceholders, ", ")), args, nil
}
