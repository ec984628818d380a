package sharedb

// Snapshot is a point-in-time copy of a document.
//
// Invariant: Version is monotonically non-decreasing per (collection, docID).
// Data is always a JSON object; for records it is wrapped as
// {"data": {<fieldID>: <value>, ...}} to match the client's operation paths
// ["data", fieldID, ...].
type Snapshot struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Version int64       `json:"version"`
	Data    interface{} `json:"data"`
	Meta    interface{} `json:"meta,omitempty"`
}

// EmptySnapshot is returned by the subscribe path when no document exists
// yet, so a client can subscribe before the document is created. Keeping the
// nested "data" key even when empty means a later create's op can target
// ["data", fieldID] without the client ever seeing a shape change.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Type:    "json0",
		Version: 0,
		Data:    map[string]interface{}{"data": map[string]interface{}{}},
	}
}
