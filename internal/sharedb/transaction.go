package sharedb

import (
	"context"
	"sync"
)

// TransactionContext accumulates raw operation maps for a single business
// request so that multi-document changes can be published atomically after
// the enclosing transaction commits.
//
// Invariant: a publish never precedes the business commit. A rollback
// produces no network traffic — the caller simply never calls Publish and
// lets the context fall out of scope.
type TransactionContext struct {
	mu         sync.Mutex
	rawOpMaps  []map[string]Operation
	cacheKeys  []string
}

// NewTransactionContext returns an empty TransactionContext.
func NewTransactionContext() *TransactionContext {
	return &TransactionContext{}
}

// AddRawOpMap appends one docID->Operation map to the accumulator.
func (tc *TransactionContext) AddRawOpMap(opMap map[string]Operation) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.rawOpMaps = append(tc.rawOpMaps, opMap)
}

// AddCacheKey records a cache key alongside the accumulated op maps.
// Service.WithTransaction does not invalidate these keys; it discards them
// together with the op maps after publishing.
func (tc *TransactionContext) AddCacheKey(key string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cacheKeys = append(tc.cacheKeys, key)
}

// GetRawOpMaps returns the accumulated op maps in insertion order.
func (tc *TransactionContext) GetRawOpMaps() []map[string]Operation {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]map[string]Operation, len(tc.rawOpMaps))
	copy(out, tc.rawOpMaps)
	return out
}

// GetCacheKeys returns the accumulated cache keys.
func (tc *TransactionContext) GetCacheKeys() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]string, len(tc.cacheKeys))
	copy(out, tc.cacheKeys)
	return out
}

// IsEmpty reports whether any op maps have been accumulated. Publishing an
// empty context is a documented no-op.
func (tc *TransactionContext) IsEmpty() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.rawOpMaps) == 0
}

// Clear resets the accumulator. Idempotent: calling it twice in a row is
// equivalent to calling it once.
func (tc *TransactionContext) Clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.rawOpMaps = nil
	tc.cacheKeys = nil
}

type txCtxKey struct{}

// WithTransactionContext attaches a TransactionContext to ctx.
func WithTransactionContext(ctx context.Context, tc *TransactionContext) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tc)
}

// TransactionContextFrom returns the TransactionContext attached to ctx, or
// nil if none is present — the non-transactional path, where ops publish
// immediately.
func TransactionContextFrom(ctx context.Context) *TransactionContext {
	tc, _ := ctx.Value(txCtxKey{}).(*TransactionContext)
	return tc
}

// GetOrCreateTransactionContext returns the TransactionContext already
// attached to ctx, or a fresh one if none is present. Used by call sites that
// want to accumulate ops regardless of whether a transaction is in scope.
func GetOrCreateTransactionContext(ctx context.Context) *TransactionContext {
	if tc := TransactionContextFrom(ctx); tc != nil {
		return tc
	}
	return NewTransactionContext()
}
