package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker names.  The two exchanges are fanout by design: a room's members
// are spread across multiple instances behind a load balancer, so every
// instance must see every room event and decide locally what to rebroadcast.
const (
	RoomEventsExchange     = "room.events"
	SessionControlExchange = "session.control"
	SeatConfirmedQueue     = "seat.confirmed"
)

// Publisher owns a lazily established AMQP connection and channel.  All
// publishes are best effort relative to the owning transaction: errors are
// logged and returned, and callers in the commit path ignore them.
type Publisher struct {
	url      string
	instance string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a Publisher for the given broker URL.  instance tags
// every envelope with the identity of this server process.
func NewPublisher(url, instance string) *Publisher {
	return &Publisher{url: url, instance: instance}
}

// ensure dials the broker and declares the topology if needed.  Held under
// the mutex so concurrent publishers share one channel.
func (p *Publisher) ensure() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

// declareTopology declares the exchanges and the analytics queue.  All
// declarations are idempotent so every instance can run them at startup.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(RoomEventsExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", RoomEventsExchange, err)
	}
	if err := ch.ExchangeDeclare(SessionControlExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", SessionControlExchange, err)
	}
	if _, err := ch.QueueDeclare(SeatConfirmedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", SeatConfirmedQueue, err)
	}
	return nil
}

// Close tears down the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn, p.ch = nil, nil
	}
}

// newEnvelope stamps identity, version and origin onto an event.
func (p *Publisher) newEnvelope(typ string, roomID, matchID uint64, data any) (Envelope, error) {
	env := Envelope{
		ID:       uuid.NewString(),
		Type:     typ,
		Version:  SchemaVersion,
		Instance: p.instance,
		RoomID:   roomID,
		MatchID:  matchID,
		SentAt:   time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return env, fmt.Errorf("marshal event data: %w", err)
		}
		env.Data = raw
	}
	return env, nil
}

// publish sends an envelope to an exchange.  The routing key is the room id
// so same-room messages share a key; fanout ignores it for delivery but
// downstream tooling keys ordering off it.
func (p *Publisher) publish(ctx context.Context, exchange string, env Envelope) error {
	ch, err := p.ensure()
	if err != nil {
		log.Printf("bus: %v", err)
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("bus: marshal envelope: %v", err)
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, strconv.FormatUint(env.RoomID, 10), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.ID,
		Timestamp:   env.SentAt,
		Body:        body,
	})
	if err != nil {
		log.Printf("bus: publish %s to %s: %v", env.Type, exchange, err)
		// drop the channel so the next publish redials
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.conn, p.ch = nil, nil
		p.mu.Unlock()
	}
	return err
}

// PublishRoomEvent broadcasts a room-scoped event to every instance.
func (p *Publisher) PublishRoomEvent(ctx context.Context, typ string, roomID, matchID uint64, data any) error {
	env, err := p.newEnvelope(typ, roomID, matchID, data)
	if err != nil {
		return err
	}
	return p.publish(ctx, RoomEventsExchange, env)
}

// PublishSessionClose asks the instance owning userID's socket to close it.
// ownerInstance tags the envelope; every instance receives the event but
// only the owner acts.
func (p *Publisher) PublishSessionClose(ctx context.Context, ownerInstance, userID, reason string) error {
	env, err := p.newEnvelope(TypeSessionClose, 0, 0, SessionCloseData{UserID: userID, Reason: reason})
	if err != nil {
		return err
	}
	env.Instance = ownerInstance
	return p.publish(ctx, SessionControlExchange, env)
}

// PublishSeatConfirmed enqueues the analytics record for a confirmed
// purchase on the durable queue.  Persistent delivery mode so records
// survive a broker restart.
func (p *Publisher) PublishSeatConfirmed(ctx context.Context, ev SeatConfirmedEvent) error {
	ev.Type = TypeSeatConfirmed
	ev.Version = SchemaVersion
	ch, err := p.ensure()
	if err != nil {
		log.Printf("bus: %v", err)
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("bus: marshal seat-confirmed: %v", err)
		return err
	}
	err = ch.PublishWithContext(ctx, "", SeatConfirmedQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		log.Printf("bus: publish seat-confirmed: %v", err)
	}
	return err
}
