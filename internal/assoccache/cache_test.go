package assoccache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazybatch/internal/schema"
)

var authorBooks = &schema.Association{Name: "books", Owner: "authors", Target: "books"}
var authorAwards = &schema.Association{Name: "awards", Owner: "authors", Target: "awards"}

func TestCache_PutThenGet(t *testing.T) {
	c := New()
	owner := schema.NewEntityRef("authors", schema.Key{1})
	book := &schema.Entity{Ref: schema.NewEntityRef("books", schema.Key{10}), Type: "books", Fields: schema.Row{"id": 10}}

	_, ok := c.Get(owner, authorBooks)
	assert.False(t, ok)

	require.NoError(t, c.Put(owner, authorBooks, []*schema.Entity{book}))
	children, ok := c.Get(owner, authorBooks)
	require.True(t, ok)
	assert.Equal(t, []*schema.Entity{book}, children)

	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, int64(1), c.Misses())
	assert.Equal(t, 1, c.Len())
}

func TestCache_EntriesAreImmutable(t *testing.T) {
	c := New()
	owner := schema.NewEntityRef("authors", schema.Key{1})
	first := []*schema.Entity{{Ref: schema.NewEntityRef("books", schema.Key{10})}}

	require.NoError(t, c.Put(owner, authorBooks, first))
	err := c.Put(owner, authorBooks, nil)
	assert.True(t, errors.Is(err, ErrAlreadyResolved))

	children, _ := c.Get(owner, authorBooks)
	assert.Equal(t, first, children)
}

func TestCache_EmptyCollectionIsResolved(t *testing.T) {
	c := New()
	owner := schema.NewEntityRef("authors", schema.Key{2})

	require.NoError(t, c.Put(owner, authorBooks, nil))
	children, ok := c.Get(owner, authorBooks)
	require.True(t, ok)
	assert.NotNil(t, children)
	assert.Empty(t, children)
	assert.True(t, c.Has(owner, authorBooks))
	assert.False(t, c.Has(owner, authorAwards))
}
