package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeFanout binds a fresh exclusive auto-delete queue to the named
// fanout exchange and delivers every envelope to handle.  Each instance gets
// its own queue, which is what makes the broadcast semantics explicit:
// delivery is at-least-once per instance, never load balanced across them.
// The function runs a reconnect loop forever; call it in a goroutine.
func ConsumeFanout(url, exchange string, handle func(Envelope)) {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("bus-consumer[%s]: dial failed: %v; retrying in %s", exchange, err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := fanoutLoop(conn, exchange, handle); err != nil {
			log.Printf("bus-consumer[%s]: loop ended: %v; reconnecting", exchange, err)
		}
		_ = conn.Close()
		time.Sleep(2 * time.Second)
	}
}

func fanoutLoop(conn *amqp.Connection, exchange string, handle func(Envelope)) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	// server-named, exclusive, auto-delete: dies with this instance
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for d := range msgs {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			log.Printf("bus-consumer[%s]: bad envelope: %v", exchange, err)
			continue
		}
		handle(env)
	}
	return errors.New("deliveries channel closed")
}

// StartSeatConfirmedConsumer consumes the durable seat.confirmed queue and
// appends each record to logs/confirm.log in a single-line format.  Bad
// messages are rejected without requeue so one poison record cannot wedge
// the queue.  Runs a reconnect loop forever; call it in a goroutine.
func StartSeatConfirmedConsumer(url string) {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("confirm-consumer: dial failed: %v; retrying in %s", err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := confirmLoop(conn); err != nil {
			log.Printf("confirm-consumer: loop ended: %v; reconnecting", err)
		}
		_ = conn.Close()
		time.Sleep(2 * time.Second)
	}
}

func confirmLoop(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("confirm-consumer: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(SeatConfirmedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(SeatConfirmedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for d := range msgs {
		if err := logConfirmed(d.Body); err != nil {
			log.Printf("confirm-consumer: handle message failed: %v", err)
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func logConfirmed(body []byte) error {
	var ev SeatConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join("logs", "confirm.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	labels := make([]string, 0, len(ev.Seats))
	for _, s := range ev.Seats {
		labels = append(labels, s.SectionID+":"+s.Seat)
	}
	line := fmt.Sprintf("[%s] Seats confirmed | match_id=%d | room_id=%d | user_id=%s | rank=%d | seats=[%s]\n",
		ev.ConfirmedAt, ev.MatchID, ev.RoomID, ev.UserID, ev.Rank, strings.Join(labels, ","))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
