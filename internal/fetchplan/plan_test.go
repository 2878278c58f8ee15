package fetchplan_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazybatch/internal/fetchplan"
	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/testutil"
)

func TestNew_RejectsUnknownAssociation(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	_, err := fetchplan.New(reg, "authors", fetchplan.Entry{Association: "reviews", Mode: fetchplan.Eager})
	var invalid *fetchplan.InvalidPlanError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "authors", invalid.Root)
	assert.Equal(t, "reviews", invalid.Association)
	assert.Contains(t, err.Error(), "not an association of authors")
}

func TestNew_RejectsConflictingModes(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	_, err := fetchplan.New(reg, "books",
		fetchplan.Entry{Association: "reviews", Mode: fetchplan.Eager},
		fetchplan.Entry{Association: "reviews", Mode: fetchplan.LazyBatch},
	)
	var invalid *fetchplan.InvalidPlanError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "both EAGER and LAZY_BATCH")
}

func TestNew_RejectsUnknownRootAndMode(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	_, err := fetchplan.New(reg, "publishers")
	var invalid *fetchplan.InvalidPlanError
	require.ErrorAs(t, err, &invalid)

	_, err = fetchplan.New(reg, "books", fetchplan.Entry{Association: "author"})
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "invalid mode")
}

func TestNew_CollapsesDuplicateEntries(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	plan, err := fetchplan.New(reg, "books",
		fetchplan.Entry{Association: "author", Mode: fetchplan.Eager},
		fetchplan.Entry{Association: "reviews", Mode: fetchplan.LazyBatch},
		fetchplan.Entry{Association: "author", Mode: fetchplan.Eager},
	)
	require.NoError(t, err)
	want := []fetchplan.Entry{
		{Association: "author", Mode: fetchplan.Eager},
		{Association: "reviews", Mode: fetchplan.LazyBatch},
	}
	if diff := cmp.Diff(want, plan.Entries()); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	mode, ok := plan.Mode("reviews")
	require.True(t, ok)
	assert.Equal(t, fetchplan.LazyBatch, mode)
	_, ok = plan.Mode("nope")
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]fetchplan.Mode{"eager": fetchplan.Eager, "LAZY_BATCH": fetchplan.LazyBatch, " lazy ": fetchplan.LazyBatch} {
		got, err := fetchplan.ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := fetchplan.ParseMode("sometimes")
	assert.Error(t, err)
}

func TestResolve_LazyOnlyKeepsPlainRootQuery(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	aug, err := fetchplan.Resolve(reg, sqlutil.MySQL, planner.RootQuery{Type: "authors"}, []fetchplan.Entry{
		{Association: "books", Mode: fetchplan.LazyBatch},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `name` FROM `authors` ORDER BY `id` ASC", aug.Query.SQL)
	assert.Empty(t, aug.Eager)
	require.Len(t, aug.Lazy, 1)
	assert.Equal(t, "authors.books", aug.Lazy[0].ID())
}

func TestResolve_EagerFoldedIntoJoin(t *testing.T) {
	reg := testutil.LibraryRegistry(t)

	aug, err := fetchplan.Resolve(reg, sqlutil.MySQL, planner.RootQuery{Type: "books"}, []fetchplan.Entry{
		{Association: "author", Mode: fetchplan.Eager},
		{Association: "reviews", Mode: fetchplan.Eager},
	})
	require.NoError(t, err)
	require.Len(t, aug.Eager, 2)
	assert.Contains(t, aug.Query.SQL, "LEFT JOIN `authors` AS `__eager_0`")
	assert.Contains(t, aug.Query.SQL, "LEFT JOIN `reviews` AS `__eager_1`")
	assert.Empty(t, aug.Lazy)
}

func TestSplit_DedupesJoinedRows(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	aug, err := fetchplan.Resolve(reg, sqlutil.MySQL, planner.RootQuery{Type: "authors"}, []fetchplan.Entry{
		{Association: "books", Mode: fetchplan.Eager},
	})
	require.NoError(t, err)

	rows := []schema.Row{
		{"id": int64(1), "name": "Ann", "__eager_0_id": int64(10), "__eager_0_author_id": int64(1), "__eager_0_title": "A"},
		{"id": int64(1), "name": "Ann", "__eager_0_id": int64(11), "__eager_0_author_id": int64(1), "__eager_0_title": "B"},
		{"id": int64(1), "name": "Ann", "__eager_0_id": int64(11), "__eager_0_author_id": int64(1), "__eager_0_title": "B"},
		{"id": int64(2), "name": "Bo", "__eager_0_id": nil, "__eager_0_author_id": nil, "__eager_0_title": nil},
	}
	roots, err := aug.Split(rows)
	require.NoError(t, err)
	require.Len(t, roots, 2)

	assert.Equal(t, schema.NewEntityRef("authors", schema.Key{1}), roots[0].Ref)
	assert.Equal(t, schema.Row{"id": int64(1), "name": "Ann"}, roots[0].Fields)
	require.Len(t, roots[0].Eager["books"], 2)
	assert.Equal(t, "B", roots[0].Eager["books"][1]["title"])

	assert.NotNil(t, roots[1].Eager["books"])
	assert.Empty(t, roots[1].Eager["books"])
}

func TestSplit_RejectsNullPrimaryKey(t *testing.T) {
	reg := testutil.LibraryRegistry(t)
	aug, err := fetchplan.Resolve(reg, sqlutil.MySQL, planner.RootQuery{Type: "authors"}, nil)
	require.NoError(t, err)

	_, err = aug.Split([]schema.Row{{"id": nil, "name": "x"}})
	assert.ErrorContains(t, err, "NULL or missing primary key")
}
