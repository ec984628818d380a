// Package opbuilder constructs JSON0 operations for the mutations the
// document adapters need to express: setting a record field, and creating or
// deleting records, fields, views, and tables.
package opbuilder

import "github.com/easyspace-ai/sharedb-core/internal/sharedb"

// SetField returns the op list that sets a single record field to value.
func SetField(fieldID string, value interface{}) []sharedb.OTOp {
	return []sharedb.OTOp{
		{"p": []interface{}{"data", fieldID}, "oi": value},
	}
}

// DeleteField returns the op list that removes a record field entirely.
func DeleteField(fieldID string, previous interface{}) []sharedb.OTOp {
	return []sharedb.OTOp{
		{"p": []interface{}{"data", fieldID}, "od": previous},
	}
}

// ReplaceField returns the op list that replaces a record field's value,
// carrying the previous value so the op can be inverted.
func ReplaceField(fieldID string, previous, next interface{}) []sharedb.OTOp {
	return []sharedb.OTOp{
		{"p": []interface{}{"data", fieldID}, "od": previous, "oi": next},
	}
}

// Create returns a create Operation for a new document of docType.
func Create(collection, docID, docType string, data interface{}) sharedb.Operation {
	return sharedb.Operation{
		Type:       sharedb.OpCreate,
		Collection: collection,
		DocID:      docID,
		Create:     &sharedb.CreateBody{Type: docType, Data: data},
	}
}

// Delete returns a delete Operation.
func Delete(collection, docID string) sharedb.Operation {
	return sharedb.Operation{
		Type:       sharedb.OpDelete,
		Collection: collection,
		DocID:      docID,
		Del:        true,
	}
}

// Edit returns an edit Operation carrying op against version.
func Edit(collection, docID string, version int64, op []sharedb.OTOp) sharedb.Operation {
	return sharedb.Operation{
		Type:       sharedb.OpEdit,
		Collection: collection,
		DocID:      docID,
		Version:    version,
		Op:         op,
	}
}
