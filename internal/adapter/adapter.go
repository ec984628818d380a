// Package adapter bridges the wire-level document model to durable storage:
// fetching snapshots, listing document IDs for a query, and reading the
// operation history used to catch a subscriber up.
package adapter

import (
	"context"

	"github.com/easyspace-ai/sharedb-core/internal/sharedb"
)

// Query narrows GetDocIDsByQuery to documents belonging to one table. The
// spreadsheet product's full query language is out of scope here; Filter is
// an opaque passthrough, and the Postgres adapter ignores it and returns
// every document ID of the table.
type Query struct {
	TableID string
	Filter  map[string]interface{}
}

// DocumentAdapter is the storage-facing counterpart of a Collection: it knows
// how to fetch and enumerate documents of one DocType.
type DocumentAdapter interface {
	// GetSnapshot returns the current snapshot for docID, or nil if no such
	// document exists yet.
	GetSnapshot(ctx context.Context, tableID, docID string) (*sharedb.Snapshot, error)
	// GetDocIDsByQuery returns the document IDs matching q.
	GetDocIDsByQuery(ctx context.Context, q Query) ([]string, error)
	// GetOps returns committed operations for docID with version > from, in
	// increasing version order.
	GetOps(ctx context.Context, tableID, docID string, from int64) ([]sharedb.Operation, error)
	// SkipPoll reports whether this adapter serves fresh data without the
	// caller needing to re-poll storage after a local write (true once the
	// write path itself has updated any cache the adapter reads from).
	SkipPoll() bool
}

// Registry dispatches to the DocumentAdapter registered for a DocType.
type Registry struct {
	byType map[sharedb.DocType]DocumentAdapter
}

// NewRegistry builds a Registry from per-type adapters. A DocType with no
// entry falls back to the DocRecord adapter, mirroring ParseCollection's
// unknown-prefix default.
func NewRegistry(adapters map[sharedb.DocType]DocumentAdapter) *Registry {
	return &Registry{byType: adapters}
}

// For returns the adapter registered for docType.
func (r *Registry) For(docType sharedb.DocType) DocumentAdapter {
	if a, ok := r.byType[docType]; ok {
		return a
	}
	return r.byType[sharedb.DocRecord]
}
