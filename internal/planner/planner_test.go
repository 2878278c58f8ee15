package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/testutil"
)

func mustType(t *testing.T, reg *schema.Registry, name string) *schema.Type {
	t.Helper()
	typ, err := reg.Type(name)
	require.NoError(t, err)
	return typ
}

func TestPlanRoot(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	authors := mustType(t, reg, "authors")

	query, err := planner.PlanRoot(sqlutil.MySQL, authors, planner.RootQuery{
		Where:   map[string]interface{}{"name": "Ann"},
		OrderBy: []planner.OrderBy{{Column: "name", Desc: true}},
		Limit:   10,
		Offset:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `name` FROM `authors` WHERE `name` = ? ORDER BY `name` DESC, `id` ASC LIMIT 10 OFFSET 5", query.SQL)
	assert.Equal(t, []interface{}{"Ann"}, query.Args)
}

func TestPlanRoot_PostgresInList(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	books := mustType(t, reg, "books")

	query, err := planner.PlanRoot(sqlutil.Postgres, books, planner.RootQuery{
		Where: map[string]interface{}{"author_id": []interface{}{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "author_id", "title" FROM "books" WHERE "author_id" IN ($1,$2) ORDER BY "id" ASC`, query.SQL)
	assert.Equal(t, []interface{}{1, 2}, query.Args)
}

func TestPlanRoot_Validation(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	authors := mustType(t, reg, "authors")

	_, err := planner.PlanRoot(sqlutil.MySQL, authors, planner.RootQuery{Where: map[string]interface{}{"age": 3}})
	assert.ErrorContains(t, err, "unknown filter column age")

	_, err = planner.PlanRoot(sqlutil.MySQL, authors, planner.RootQuery{OrderBy: []planner.OrderBy{{Column: "age"}}})
	assert.ErrorContains(t, err, "unknown order column age")

	_, err = planner.PlanRoot(sqlutil.MySQL, authors, planner.RootQuery{Offset: 3})
	assert.ErrorContains(t, err, "offset requires a limit")

	_, err = planner.PlanRoot(sqlutil.MySQL, authors, planner.RootQuery{Limit: -1})
	assert.Error(t, err)
}

func TestPlanBatchFetch_Inbound(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	books := mustType(t, reg, "books")
	assoc := testutil.MustAssociation(t, reg, "authors", "books")

	query, err := planner.PlanBatchFetch(sqlutil.MySQL, books, assoc, []schema.Key{{int64(1)}, {int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `author_id`, `title`, `author_id` AS __batch_parent_id FROM `books` WHERE `author_id` IN (?,?) ORDER BY `id` ASC", query.SQL)
	assert.Equal(t, []interface{}{int64(1), int64(2)}, query.Args)
}

func TestPlanBatchFetch_Outbound(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	authors := mustType(t, reg, "authors")
	assoc := testutil.MustAssociation(t, reg, "books", "author")

	query, err := planner.PlanBatchFetch(sqlutil.Postgres, authors, assoc, []schema.Key{{int64(7)}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "name", "id" AS __batch_parent_id FROM "authors" WHERE "id" IN ($1) ORDER BY "id" ASC`, query.SQL)
}

func TestPlanBatchFetch_CompositeKeys(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.RegisterType(schema.Type{Name: "orders", PrimaryKey: []string{"tenant_id", "id"}, Columns: []string{"tenant_id", "id"}}))
	require.NoError(t, reg.RegisterType(schema.Type{Name: "lines", PrimaryKey: []string{"tenant_id", "line_id"}, Columns: []string{"tenant_id", "line_id", "order_id"}}))
	require.NoError(t, reg.RegisterAssociation(schema.Association{
		Name: "lines", Owner: "orders", Target: "lines", Cardinality: schema.Many, Direction: schema.Inbound,
		LocalColumns: []string{"tenant_id", "id"}, RemoteColumns: []string{"tenant_id", "order_id"},
	}))
	assoc, _ := reg.Association("orders", "lines")
	lines := mustType(t, reg, "lines")

	query, err := planner.PlanBatchFetch(sqlutil.MySQL, lines, assoc, []schema.Key{{1, 10}, {1, 11}})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT `tenant_id`, `line_id`, `order_id`, `tenant_id` AS __batch_parent_0, `order_id` AS __batch_parent_1 FROM `lines` "+
			"WHERE (`tenant_id`, `order_id`) IN ((?,?), (?,?)) ORDER BY `tenant_id` ASC, `line_id` ASC",
		query.SQL)
	assert.Equal(t, []interface{}{1, 10, 1, 11}, query.Args)

	_, err = planner.PlanBatchFetch(sqlutil.MySQL, lines, assoc, []schema.Key{{1}})
	assert.ErrorContains(t, err, "tuple width mismatch")
}

func TestPlanBatchFetch_NoKeys(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	query, err := planner.PlanBatchFetch(sqlutil.MySQL, mustType(t, reg, "books"), testutil.MustAssociation(t, reg, "authors", "books"), nil)
	require.NoError(t, err)
	assert.True(t, query.IsEmpty())
}

func TestSplitBatchRow(t *testing.T) {
	row := schema.Row{"id": int64(3), "title": "Dune", planner.BatchParentAlias: int64(1)}
	key, stripped, err := planner.SplitBatchRow(row, 1)
	require.NoError(t, err)
	assert.Equal(t, schema.Key{int64(1)}, key)
	assert.NotContains(t, stripped, planner.BatchParentAlias)

	_, _, err = planner.SplitBatchRow(schema.Row{"id": 1}, 2)
	assert.ErrorContains(t, err, "__batch_parent_0")
}

func TestPlanEagerJoin(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	authors := mustType(t, reg, "authors")
	books := mustType(t, reg, "books")
	assoc := testutil.MustAssociation(t, reg, "authors", "books")

	query, err := planner.PlanEagerJoin(sqlutil.MySQL, authors, planner.RootQuery{Limit: 2}, []planner.EagerJoin{{Association: assoc, Target: books}})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT `__root`.`id`, `__root`.`name`, "+
			"`__eager_0`.`id` AS `__eager_0_id`, `__eager_0`.`author_id` AS `__eager_0_author_id`, `__eager_0`.`title` AS `__eager_0_title` "+
			"FROM (SELECT `id`, `name` FROM `authors` ORDER BY `id` ASC LIMIT 2) AS `__root` "+
			"LEFT JOIN `books` AS `__eager_0` ON `__eager_0`.`author_id` = `__root`.`id` "+
			"ORDER BY `__root`.`id` ASC, `__eager_0`.`id` ASC",
		query.SQL)
	assert.Empty(t, query.Args)
}

func TestPlanEagerJoin_PostgresNumbersNestedArgs(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	books := mustType(t, reg, "books")
	authors := mustType(t, reg, "authors")
	assoc := testutil.MustAssociation(t, reg, "books", "author")

	query, err := planner.PlanEagerJoin(sqlutil.Postgres, books, planner.RootQuery{
		Where: map[string]interface{}{"title": "Dune"},
	}, []planner.EagerJoin{{Association: assoc, Target: authors}})
	require.NoError(t, err)
	assert.Contains(t, query.SQL, `FROM (SELECT "id", "author_id", "title" FROM "books" WHERE "title" = $1) AS "__root"`)
	assert.Contains(t, query.SQL, `LEFT JOIN "authors" AS "__eager_0" ON "__eager_0"."id" = "__root"."author_id"`)
	assert.Equal(t, []interface{}{"Dune"}, query.Args)
}

func TestPlanEagerJoin_RejectsForeignAssociation(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	_, err := planner.PlanEagerJoin(sqlutil.MySQL, mustType(t, reg, "authors"), planner.RootQuery{},
		[]planner.EagerJoin{{Association: testutil.MustAssociation(t, reg, "books", "reviews"), Target: mustType(t, reg, "reviews")}})
	assert.ErrorContains(t, err, "does not connect")
}

func TestExtractEagerRow(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	books := mustType(t, reg, "books")

	joined := schema.Row{"id": int64(1), "name": "Ann", "__eager_0_id": int64(9), "__eager_0_author_id": int64(1), "__eager_0_title": "Dune"}
	assert.Equal(t, schema.Row{"id": int64(9), "author_id": int64(1), "title": "Dune"}, planner.ExtractEagerRow(joined, 0, books))

	miss := schema.Row{"id": int64(2), "name": "Bo", "__eager_0_id": nil, "__eager_0_author_id": nil, "__eager_0_title": nil}
	assert.Nil(t, planner.ExtractEagerRow(miss, 0, books))

	assert.Equal(t, schema.Row{"id": int64(2), "name": "Bo"}, planner.ExtractRootRow(miss, mustType(t, reg, "authors")))
}
