package sharedb

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/easyspace-ai/sharedb-core/internal/adapter"
	"github.com/easyspace-ai/sharedb-core/internal/events"
	"github.com/easyspace-ai/sharedb-core/internal/metrics"
	"github.com/easyspace-ai/sharedb-core/internal/presence"
	"github.com/easyspace-ai/sharedb-core/internal/protocol"
	"github.com/easyspace-ai/sharedb-core/internal/pubsub"
	"github.com/easyspace-ai/sharedb-core/internal/ws"
)

// Sender abstracts the transport the Service replies over, so the handlers
// here don't depend on the ws package's Connection type directly.
type Sender interface {
	ID() string
	Send(data []byte) error
}

// connSender adapts a *ws.Connection to Sender.
type connSender struct{ c *ws.Connection }

func (s connSender) ID() string          { return s.c.ID }
func (s connSender) Send(data []byte) error { return s.c.WriteMessage(data) }

// NewConnSender wraps a ws.Connection as a Sender.
func NewConnSender(c *ws.Connection) Sender { return connSender{c: c} }

// Service implements the ShareDB-compatible message handlers: fetch,
// subscribe, unsubscribe, op submission, presence, and presence ping. The
// handshake reply is sent by the transport-level ws.Server at upgrade time;
// Service is its business-logic counterpart.
type Service struct {
	registry  *adapter.Registry
	ps        pubsub.PubSub
	presence  *presence.Manager
	converter *events.Converter
}

// NewService wires a Service from its dependencies. converter may be nil if
// business-event publication is disabled.
func NewService(registry *adapter.Registry, ps pubsub.PubSub, pres *presence.Manager, converter *events.Converter) *Service {
	return &Service{registry: registry, ps: ps, presence: pres, converter: converter}
}

func (s *Service) sendError(sender Sender, collection, docID, code, message string) {
	data, err := protocol.NewServerMessage(protocol.ActionError, protocol.ErrorMsg{
		Collection: collection,
		DocID:      docID,
		Code:       code,
		Message:    message,
	})
	if err != nil {
		log.Printf("sharedb: failed to build error for conn=%s: %v", sender.ID(), err)
		return
	}
	if err := sender.Send(data); err != nil {
		log.Printf("sharedb: failed to send error to conn=%s: %v", sender.ID(), err)
	}
}

// HandleFetch answers a one-shot snapshot request without subscribing.
func (s *Service) HandleFetch(ctx context.Context, sender Sender, msg protocol.FetchMsg) {
	coll := ParseCollection(msg.Collection)
	start := time.Now()
	snap, err := s.registry.For(coll.Type).GetSnapshot(ctx, coll.TableID, msg.DocID)
	metrics.AdapterLatency.WithLabelValues("get_snapshot").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("sharedb: fetch adapter error collection=%s doc=%s: %v", msg.Collection, msg.DocID, err)
		s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrServerError, "failed to fetch document")
		return
	}
	if snap == nil {
		snap = EmptySnapshot()
	}

	data, err := protocol.NewServerMessage(protocol.ActionFetch, protocol.SnapshotReplyMsg{
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Data:       snap.Data,
		Version:    snap.Version,
	})
	if err != nil {
		log.Printf("sharedb: failed to build fetch reply: %v", err)
		return
	}
	if err := sender.Send(data); err != nil {
		log.Printf("sharedb: failed to send fetch reply to conn=%s: %v", sender.ID(), err)
	}
}

// HandleSubscribe registers a subscription that relays future operations
// (and presence broadcasts) to conn, then answers with the current snapshot,
// or an empty skeleton if the document doesn't exist yet, so a client can
// subscribe before the document is created. The subscription lasts until
// HandleUnsubscribe or the connection's cleanup cancels it.
func (s *Service) HandleSubscribe(ctx context.Context, conn *ws.Connection, msg protocol.SubscribeMsg) {
	sender := NewConnSender(conn)
	coll := ParseCollection(msg.Collection)
	channel := Channel(msg.Collection, msg.DocID)

	presenceChannel := PresenceChannel(msg.Collection, msg.DocID)

	subCtx, cancel := context.WithCancel(context.Background())
	conn.AddSubscription(channel, cancel)
	conn.AddSubscription(presenceChannel, cancel)

	sub, err := s.ps.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		log.Printf("sharedb: subscribe failed channel=%s: %v", channel, err)
		s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrServerError, "failed to subscribe")
		return
	}
	metrics.SubscriptionsTotal.Inc()
	go s.relay(subCtx, sub, sender, msg.Collection, msg.DocID)

	presenceSub, err := s.ps.Subscribe(subCtx, presenceChannel)
	if err != nil {
		log.Printf("sharedb: presence subscribe failed channel=%s: %v", presenceChannel, err)
	} else {
		go relayRaw(subCtx, presenceSub, sender)
	}

	start := time.Now()
	snap, err := s.registry.For(coll.Type).GetSnapshot(ctx, coll.TableID, msg.DocID)
	metrics.AdapterLatency.WithLabelValues("get_snapshot").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("sharedb: subscribe adapter error collection=%s doc=%s: %v", msg.Collection, msg.DocID, err)
		s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrServerError, "failed to fetch document")
		return
	}
	if snap == nil {
		snap = EmptySnapshot()
	}

	data, err := protocol.NewServerMessage(protocol.ActionSubscribe, protocol.SnapshotReplyMsg{
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Data:       snap.Data,
		Version:    snap.Version,
	})
	if err != nil {
		log.Printf("sharedb: failed to build subscribe reply: %v", err)
		return
	}
	if err := sender.Send(data); err != nil {
		log.Printf("sharedb: failed to send subscribe reply to conn=%s: %v", sender.ID(), err)
	}
}

// relay forwards published operations for a subscription to the client until
// the subscription's context is canceled.
func (s *Service) relay(ctx context.Context, sub pubsub.Subscription, sender Sender, collection, docID string) {
	defer sub.Close()
	defer metrics.SubscriptionsTotal.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}

			var op Operation
			if err := json.Unmarshal(msg.Op, &op); err != nil {
				log.Printf("sharedb: relay decode error channel=%s: %v", msg.Channel, err)
				continue
			}

			reply := protocol.OpReplyMsg{
				Collection: collection,
				DocID:      docID,
				Version:    0,
				Src:        op.Src,
				Seq:        op.Seq,
				Del:        op.Del,
			}
			if op.Op != nil {
				if raw, err := json.Marshal(op.Op); err == nil {
					reply.Op = raw
				}
			}
			if op.Create != nil {
				if raw, err := json.Marshal(op.Create); err == nil {
					reply.Create = raw
				}
			}

			data, err := protocol.NewServerMessage(protocol.ActionOp, reply)
			if err != nil {
				log.Printf("sharedb: failed to build relayed op for channel=%s: %v", msg.Channel, err)
				continue
			}
			if err := sender.Send(data); err != nil {
				log.Printf("sharedb: failed to relay op to conn=%s: %v", sender.ID(), err)
			}
		}
	}
}

// relayRaw forwards already wire-formatted messages (e.g. presence
// broadcasts) straight to the client without decoding them as operations.
func relayRaw(ctx context.Context, sub pubsub.Subscription, sender Sender) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sender.Send(msg.Op); err != nil {
				log.Printf("sharedb: failed to relay presence to conn=%s: %v", sender.ID(), err)
			}
		}
	}
}

// HandleUnsubscribe cancels a subscription previously established by
// HandleSubscribe.
func (s *Service) HandleUnsubscribe(conn *ws.Connection, msg protocol.UnsubscribeMsg) {
	conn.RemoveSubscription(Channel(msg.Collection, msg.DocID))
	conn.RemoveSubscription(PresenceChannel(msg.Collection, msg.DocID))
}

// HandleOp validates and commits an operation submitted by a client, then
// publishes it (immediately, or deferred to a TransactionContext carried on
// ctx) to every subscriber of the document's channel.
func (s *Service) HandleOp(ctx context.Context, sender Sender, msg protocol.OpMsg) {
	if msg.Op == nil && msg.Create == nil && !msg.Del {
		s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrOperationInvalid, "operation has no payload")
		return
	}

	coll := ParseCollection(msg.Collection)
	if coll.Type != DocRecord {
		s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrNonRecordOp, "only record op can be committed")
		return
	}

	op := Operation{
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Version:    msg.Version,
		Seq:        msg.Seq,
		Src:        sender.ID(),
	}

	switch {
	case msg.Create != nil:
		op.Type = OpCreate
		var body CreateBody
		if err := json.Unmarshal(msg.Create, &body); err != nil {
			s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrOperationInvalid, "malformed create payload")
			return
		}
		op.Create = &body
	case msg.Del:
		op.Type = OpDelete
		op.Del = true
	default:
		op.Type = OpEdit
		var otOps []OTOp
		if err := json.Unmarshal(msg.Op, &otOps); err != nil {
			s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrOperationInvalid, "malformed op payload")
			return
		}
		if len(otOps) == 0 {
			s.sendError(sender, msg.Collection, msg.DocID, protocol.ErrOperationInvalid, "op payload is empty")
			return
		}
		op.Op = otOps
	}

	s.SubmitOp(ctx, op)

	ackData, err := protocol.NewServerMessage(protocol.ActionOp, protocol.OpReplyMsg{
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Version:    op.Version,
		Seq:        op.Seq,
		Del:        op.Del,
	})
	if err != nil {
		log.Printf("sharedb: failed to build op ack: %v", err)
		return
	}
	if err := sender.Send(ackData); err != nil {
		log.Printf("sharedb: failed to send op ack to conn=%s: %v", sender.ID(), err)
	}
}

// SubmitOp adds op to the TransactionContext carried on ctx, if any;
// otherwise it publishes immediately. This is the single entry point both
// the wire handler and any internal caller (e.g. a REST write path sharing
// this service) should use.
func (s *Service) SubmitOp(ctx context.Context, op Operation) {
	if tc := TransactionContextFrom(ctx); tc != nil {
		tc.AddRawOpMap(map[string]Operation{op.DocID: op})
		return
	}
	s.PublishOp(op)
}

// WithTransaction runs fn with a fresh TransactionContext attached to its
// context, then publishes every accumulated op once fn returns successfully.
// An empty transaction context publishes nothing. fn returning an error
// skips publication entirely — a rollback produces no network traffic.
func (s *Service) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tc := NewTransactionContext()
	txCtx := WithTransactionContext(ctx, tc)

	if err := fn(txCtx); err != nil {
		return err
	}

	s.publishOpsInTransaction(tc)
	return nil
}

func (s *Service) publishOpsInTransaction(tc *TransactionContext) {
	if tc.IsEmpty() {
		return
	}

	for _, opMap := range tc.GetRawOpMaps() {
		for _, op := range opMap {
			s.PublishOp(op)
		}
	}
	tc.Clear()
}

// PublishOp publishes a committed operation to both the collection-level and
// document-level channels.
func (s *Service) PublishOp(op Operation) {
	payload, err := json.Marshal(op)
	if err != nil {
		log.Printf("sharedb: failed to marshal op for publish collection=%s doc=%s: %v", op.Collection, op.DocID, err)
		return
	}

	channels := []string{op.Collection, Channel(op.Collection, op.DocID)}
	for _, ch := range channels {
		if err := s.ps.Publish(context.Background(), ch, payload); err != nil {
			log.Printf("sharedb: publish failed channel=%s: %v", ch, err)
			metrics.OpsTotal.WithLabelValues("dropped").Inc()
			continue
		}
	}
	metrics.OpsTotal.WithLabelValues("published").Inc()

	if s.converter != nil {
		s.converter.Publish(op)
	}
}

// HandlePresence submits a client's presence payload for a channel and
// broadcasts it to the channel's current subscribers.
func (s *Service) HandlePresence(sender Sender, msg protocol.PresenceMsg) {
	channel := Channel(msg.Collection, msg.DocID)
	presenceChannel := PresenceChannel(msg.Collection, msg.DocID)
	s.presence.Submit(channel, sender.ID(), msg.Data)

	records := s.presence.GetPresences(channel)
	merged := make(map[string]interface{}, len(records))
	for clientID, rec := range records {
		merged[clientID] = rec.Data
	}

	data, err := protocol.NewServerMessage(protocol.ActionPresence, protocol.PresenceReplyMsg{
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Presence:   merged,
	})
	if err != nil {
		log.Printf("sharedb: failed to build presence broadcast: %v", err)
		return
	}

	if err := s.ps.Publish(context.Background(), presenceChannel, data); err != nil {
		log.Printf("sharedb: presence publish failed channel=%s: %v", presenceChannel, err)
	}
	metrics.PresenceRecordsTotal.Set(float64(len(records)))
}

// HandlePresencePing refreshes a client's existing presence record without
// changing its data.
func (s *Service) HandlePresencePing(sender Sender, msg protocol.PresencePingMsg) {
	channel := Channel(msg.Collection, msg.DocID)
	s.presence.Ping(channel, sender.ID())
}

// CleanupConnection removes a disconnected client's presence records from
// every channel it was subscribed to. Subscriptions themselves are canceled
// by ws.Server.RemoveConnection via Connection.CancelAllSubscriptions.
func (s *Service) CleanupConnection(conn *ws.Connection) {
	s.presence.RemoveClient(conn.ID)
}
