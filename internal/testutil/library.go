// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"

	"lazybatch/internal/schema"
)

// LibraryDefinitions declares a small authors/books/reviews schema.
func LibraryDefinitions() schema.Definitions {
	return schema.Definitions{
		Types: []schema.TypeDefinition{
			{Name: "authors", Table: "authors", PrimaryKey: []string{"id"}, Columns: []string{"id", "name"}},
			{Name: "books", Table: "books", PrimaryKey: []string{"id"}, Columns: []string{"id", "author_id", "title"}},
			{Name: "reviews", Table: "reviews", PrimaryKey: []string{"id"}, Columns: []string{"id", "book_id", "stars"}},
		},
		Associations: []schema.AssociationDefinition{
			{Owner: "authors", Name: "books", Target: "books", Cardinality: "many", LocalColumns: []string{"id"}, RemoteColumns: []string{"author_id"}},
			{Owner: "books", Name: "author", Target: "authors", Cardinality: "one", LocalColumns: []string{"author_id"}, RemoteColumns: []string{"id"}},
			{Owner: "books", Name: "reviews", Target: "reviews", Cardinality: "many", LocalColumns: []string{"id"}, RemoteColumns: []string{"book_id"}},
		},
	}
}

// LibraryRegistry returns a registry populated with LibraryDefinitions.
func LibraryRegistry(t testing.TB) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	if err := LibraryDefinitions().Apply(reg); err != nil {
		t.Fatalf("failed to build library registry: %v", err)
	}
	return reg
}

// MustAssociation looks up an association or fails the test.
func MustAssociation(t testing.TB, reg *schema.Registry, owner, name string) *schema.Association {
	t.Helper()
	assoc, ok := reg.Association(owner, name)
	if !ok {
		t.Fatalf("association %s.%s not registered", owner, name)
	}
	return assoc
}
