package introspection

import (
	"fmt"
	"sort"
)

// ForeignKeyConstraint is a foreign key with its columns in ordinal order.
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// ForeignKeyConstraints groups the KEY_COLUMN_USAGE rows of table by
// constraint, ordered by constraint name.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	rows := make([]ForeignKey, len(table.ForeignKeys))
	copy(rows, table.ForeignKeys)
	for i := range rows {
		if rows[i].ConstraintName == "" {
			// Unnamed rows never merge with each other.
			rows[i].ConstraintName = fmt.Sprintf("__unnamed_%d", i)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ConstraintName != rows[j].ConstraintName {
			return rows[i].ConstraintName < rows[j].ConstraintName
		}
		return rows[i].OrdinalPosition < rows[j].OrdinalPosition
	})

	var result []ForeignKeyConstraint
	for _, fk := range rows {
		n := len(result)
		if n == 0 || result[n-1].ConstraintName != fk.ConstraintName {
			result = append(result, ForeignKeyConstraint{
				ConstraintName:  fk.ConstraintName,
				ReferencedTable: fk.ReferencedTable,
			})
			n++
		}
		result[n-1].ColumnNames = append(result[n-1].ColumnNames, fk.ColumnName)
		result[n-1].ReferencedColumns = append(result[n-1].ReferencedColumns, fk.ReferencedColumn)
	}
	return result
}
