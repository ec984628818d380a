package ws

import (
	"log"

	"github.com/easyspace-ai/sharedb-core/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.SubscribeMsg, protocol.OpMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the action discriminator. It sends structured error responses for
// malformed or unregistered actions rather than closing the socket.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with an action. If a handler was
// already registered for the given action, it is silently replaced.
func (d *MessageDispatcher) Register(action string, handler MessageHandler) {
	d.handlers[action] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message and routes it to the registered handler. Parse errors
// and unregistered actions result in an error message sent back to the
// client; the socket stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	action, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "", "", protocol.ErrMalformedMessage, "invalid message format")
		return
	}

	handler, ok := d.handlers[action]
	if !ok {
		log.Printf("ws: unregistered action=%q conn=%s", action, conn.ID)
		d.sendError(conn, "", "", protocol.ErrUnknownAction, "unsupported action")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, collection, docID, code, message string) {
	data, err := protocol.NewServerMessage(protocol.ActionError, protocol.ErrorMsg{
		Collection: collection,
		DocID:      docID,
		Code:       code,
		Message:    message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}
