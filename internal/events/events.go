// Package events converts committed operations into business-level events
// (record.created, field.updated, ...) and publishes them to NATS for
// downstream consumers that care about semantic changes rather than raw
// JSON0 ops.
package events

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/easyspace-ai/sharedb-core/internal/sharedb"
)

// subjectPrefix namespaces every subject this package publishes to.
const subjectPrefix = "events"

// Event is the business-level payload published for a committed Operation.
type Event struct {
	Entity    string      `json:"entity"`
	Action    string      `json:"action"`
	TableID   string      `json:"tableID"`
	DocID     string      `json:"docID"`
	Version   int64       `json:"version"`
	Data      interface{} `json:"data,omitempty"`
}

// Converter turns Operations into Events and publishes them.
type Converter struct {
	nc *nats.Conn
}

// NewConverter wraps an established NATS connection.
func NewConverter(nc *nats.Conn) *Converter {
	return &Converter{nc: nc}
}

// actionForType maps an internal OperationType to the business-event action
// name.
func actionForType(t sharedb.OperationType) string {
	switch t {
	case sharedb.OpCreate:
		return "created"
	case sharedb.OpDelete:
		return "deleted"
	default:
		return "updated"
	}
}

// Convert builds the Event for a committed operation on a given collection.
func Convert(op sharedb.Operation) Event {
	coll := sharedb.ParseCollection(op.Collection)

	var data interface{}
	if op.Create != nil {
		data = op.Create.Data
	}

	return Event{
		Entity:  string(coll.Type),
		Action:  actionForType(op.Type),
		TableID: coll.TableID,
		DocID:   op.DocID,
		Version: op.Version,
		Data:    data,
	}
}

// Subject returns the NATS subject an Event publishes to:
// events.<tableID>.<entity>.
func (e Event) Subject() string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, e.TableID, e.Entity)
}

// Publish converts op and publishes the resulting Event. Publish failures are
// logged, not returned: a dropped business event never blocks or fails the
// realtime op path that triggered it.
func (c *Converter) Publish(op sharedb.Operation) {
	if c.nc == nil {
		return
	}

	event := Convert(op)
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: marshal event for %s/%s: %v", op.Collection, op.DocID, err)
		return
	}

	if err := c.nc.Publish(event.Subject(), payload); err != nil {
		log.Printf("events: publish to %s: %v", event.Subject(), err)
	}
}

// Close drains and closes the underlying NATS connection.
func (c *Converter) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}
