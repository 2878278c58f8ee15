// Package planner converts root queries, eager association joins and
// association batches into parameterized SQL statements.
package planner
