package introspection

import (
	"fmt"
	"log/slog"
	"strings"

	"lazybatch/internal/naming"
	"lazybatch/internal/schema"
)

// BuildRegistry registers a type per table and a pair of associations per
// foreign key: a many-to-one on the referencing table and a one-to-many on
// the referenced table. Tables without a primary key are skipped.
func BuildRegistry(s *Schema, namer *naming.Namer, logger *slog.Logger) (*schema.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if namer == nil {
		namer = naming.Default()
	}
	namer.Reset()

	reg := schema.NewRegistry()
	for _, table := range s.Tables {
		if len(table.PrimaryKey) == 0 {
			logger.Warn("skipping table without primary key", slog.String("table", table.Name))
			continue
		}
		if err := reg.RegisterType(schema.Type{
			Name:       table.Name,
			Table:      table.Name,
			PrimaryKey: table.PrimaryKey,
			Columns:    table.ColumnNames(),
		}); err != nil {
			return nil, err
		}
		for _, col := range table.Columns {
			namer.RegisterColumn(table.Name, col.Name)
		}
	}

	for _, table := range s.Tables {
		if _, ok := reg.TypeByTable(table.Name); !ok {
			continue
		}
		constraints := ForeignKeyConstraints(table)
		perTarget := make(map[string]int, len(constraints))
		for _, fk := range constraints {
			perTarget[fk.ReferencedTable]++
		}

		for _, fk := range constraints {
			if _, ok := reg.TypeByTable(fk.ReferencedTable); !ok {
				logger.Debug("skipping foreign key to unregistered table",
					slog.String("table", table.Name),
					slog.String("constraint", fk.ConstraintName),
					slog.String("referenced_table", fk.ReferencedTable),
				)
				continue
			}

			toOne := namer.RegisterAssociation(table.Name,
				namer.ManyToOneName(fk.ColumnNames, fk.ReferencedTable), fk.ConstraintName, true)
			if err := reg.RegisterAssociation(schema.Association{
				Name:          toOne,
				Owner:         table.Name,
				Target:        fk.ReferencedTable,
				Cardinality:   schema.One,
				Direction:     schema.Outbound,
				LocalColumns:  fk.ColumnNames,
				RemoteColumns: fk.ReferencedColumns,
			}); err != nil {
				return nil, fmt.Errorf("foreign key %s: %w", fk.ConstraintName, err)
			}

			isOnlyFK := perTarget[fk.ReferencedTable] == 1
			toMany := namer.RegisterAssociation(fk.ReferencedTable,
				namer.OneToManyName(table.Name, fk.ColumnNames, fk.ReferencedTable, isOnlyFK), fk.ConstraintName, false)
			if err := reg.RegisterAssociation(schema.Association{
				Name:          toMany,
				Owner:         fk.ReferencedTable,
				Target:        table.Name,
				Cardinality:   schema.Many,
				Direction:     schema.Inbound,
				LocalColumns:  fk.ReferencedColumns,
				RemoteColumns: fk.ColumnNames,
			}); err != nil {
				return nil, fmt.Errorf("foreign key %s: %w", fk.ConstraintName, err)
			}
		}
	}
	return reg, nil
}

// MissingIndexes lists the associations whose bulk fetch filters on columns
// that no index of the target table leads with. Each one is logged as a
// warning, since batched IN lookups on them scan the table.
func MissingIndexes(s *Schema, reg *schema.Registry, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	var missing []string
	for _, t := range reg.Types() {
		for _, assoc := range reg.Associations(t.Name) {
			target, ok := s.Table(assoc.Target)
			if !ok {
				continue
			}
			if HasIndexPrefix(target, assoc.RemoteColumns) {
				continue
			}
			missing = append(missing, assoc.ID())
			logger.Warn("association lookup columns are not indexed",
				slog.String("association", assoc.ID()),
				slog.String("table", target.Name),
				slog.String("columns", strings.Join(assoc.RemoteColumns, ",")),
			)
		}
	}
	return missing
}
