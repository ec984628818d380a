package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/easyspace-ai/sharedb-core/internal/sharedb"
)

// Postgres is a minimal DocumentAdapter projection backed by two tables:
// documents(collection, doc_id, table_id, doc_type, version, data) and
// operations(collection, doc_id, version, op, created_at). It is not the
// product's relational schema for records/fields/views/tables — that schema
// is out of scope here — only enough of a projection to serve snapshots and
// operation history for the collaboration core.
type Postgres struct {
	db      *sql.DB
	docType sharedb.DocType
}

// NewPostgres returns a DocumentAdapter for docType backed by db.
func NewPostgres(db *sql.DB, docType sharedb.DocType) *Postgres {
	return &Postgres{db: db, docType: docType}
}

func (p *Postgres) GetSnapshot(ctx context.Context, tableID, docID string) (*sharedb.Snapshot, error) {
	collection := sharedb.FormatCollection(p.docType, tableID)

	var version int64
	var rawData []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT version, data FROM documents WHERE collection = $1 AND doc_id = $2`,
		collection, docID,
	).Scan(&version, &rawData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("adapter: get snapshot %s/%s: %w", collection, docID, err)
	}

	var data interface{}
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, fmt.Errorf("adapter: decode snapshot %s/%s: %w", collection, docID, err)
	}

	return &sharedb.Snapshot{
		ID:      docID,
		Type:    "json0",
		Version: version,
		Data:    data,
	}, nil
}

func (p *Postgres) GetDocIDsByQuery(ctx context.Context, q Query) ([]string, error) {
	collection := sharedb.FormatCollection(p.docType, q.TableID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT doc_id FROM documents WHERE collection = $1 ORDER BY doc_id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("adapter: query doc ids for %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("adapter: scan doc id for %s: %w", collection, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) GetOps(ctx context.Context, tableID, docID string, from int64) ([]sharedb.Operation, error) {
	collection := sharedb.FormatCollection(p.docType, tableID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT version, op FROM operations
		 WHERE collection = $1 AND doc_id = $2 AND version > $3
		 ORDER BY version ASC`,
		collection, docID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("adapter: get ops for %s/%s: %w", collection, docID, err)
	}
	defer rows.Close()

	var ops []sharedb.Operation
	for rows.Next() {
		var version int64
		var raw []byte
		if err := rows.Scan(&version, &raw); err != nil {
			return nil, fmt.Errorf("adapter: scan op for %s/%s: %w", collection, docID, err)
		}
		var op sharedb.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("adapter: decode op for %s/%s: %w", collection, docID, err)
		}
		op.Version = version
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SkipPoll is false: this adapter reads storage directly on every call and
// has no local cache for the write path to keep warm.
func (p *Postgres) SkipPoll() bool { return false }
