// Package bus implements the durable per-channel message bus: publish,
// read-only poll, and the single-winner processed transition.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/learnstack/fabric/pkg/store"
)

// DefaultPriority is used when a publish does not specify one. Priority is
// an integer 1–10 where lower is more urgent.
const DefaultPriority = 5

// Message is one durable bus row. Payload is an opaque JSON blob; callers
// supply their own codecs.
type Message struct {
	ID          int64           `json:"id"`
	Channel     string          `json:"channel"`
	Sender      string          `json:"sender"`
	Recipient   *string         `json:"recipient,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy *string         `json:"processed_by,omitempty"`
}

// MessageBus publishes and polls durable messages through the store gateway.
type MessageBus struct {
	gw *store.Gateway
}

// New creates a MessageBus on the shared gateway.
func New(gw *store.Gateway) *MessageBus {
	return &MessageBus{gw: gw}
}

// PublishOptions carries the optional publish parameters.
type PublishOptions struct {
	// Recipient addresses the message to a single agent; empty means
	// broadcast within the channel.
	Recipient string
	// Priority 1–10, lower is more urgent. Zero means DefaultPriority.
	Priority int
}

// Publish inserts one message and returns its dense, order-preserving id.
func (b *MessageBus) Publish(ctx context.Context, channel, sender string, payload json.RawMessage, opts PublishOptions) (int64, error) {
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return 0, store.NewError(store.KindFatal, "bus.publish",
			fmt.Errorf("priority %d out of range 1..10", priority))
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	var recipient *string
	if opts.Recipient != "" {
		recipient = &opts.Recipient
	}

	start := time.Now()
	var id int64
	err := b.gw.QueryRow(ctx,
		`INSERT INTO messages (channel, sender, recipient, payload, priority)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		channel, sender, recipient, []byte(payload), priority).Scan(&id)

	b.gw.Ops().Record(ctx, store.OpEntry{
		Agent:  sender,
		OpType: "send_message",
		OpData: map[string]any{
			"message_id": id,
			"channel":    channel,
			"recipient":  opts.Recipient,
			"priority":   priority,
		},
		Duration: time.Since(start),
		Success:  err == nil,
		Err:      err,
	})
	if err != nil {
		return 0, store.NewError(store.KindOf(err), "bus.publish", err)
	}

	slog.Debug("Message published", "channel", channel, "sender", sender, "message_id", id)
	return id, nil
}

// Poll returns up to limit messages visible to agent on channel: broadcast
// messages plus unicasts addressed to the agent, unprocessed unless
// includeProcessed, ordered most-urgent-first then oldest-first. Poll does
// not lease or lock; concurrent pollers may observe the same message and
// Ack decides the winner.
func (b *MessageBus) Poll(ctx context.Context, channel, agent string, limit int, includeProcessed bool) ([]Message, error) {
	query := `SELECT id, channel, sender, recipient, payload, priority,
	                 created_at, processed, processed_at, processed_by
	          FROM messages
	          WHERE channel = $1
	            AND (recipient IS NULL OR recipient = $2)`
	if !includeProcessed {
		query += ` AND processed = FALSE`
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT $3`

	rows, err := b.gw.Query(ctx, "bus.poll", query, channel, agent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Recipient, &payload,
			&m.Priority, &m.CreatedAt, &m.Processed, &m.ProcessedAt, &m.ProcessedBy); err != nil {
			return nil, store.NewError(store.KindFatal, "bus.poll", err)
		}
		m.Payload = payload
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "bus.poll", err)
	}

	slog.Debug("Messages polled", "channel", channel, "agent", agent, "count", len(messages))
	return messages, nil
}

// Ack conditionally marks a message processed by agent. Returns true iff
// this call won the transition; a second ack of the same id returns false
// and mutates nothing.
func (b *MessageBus) Ack(ctx context.Context, messageID int64, agent string) (bool, error) {
	affected, err := b.gw.Exec(ctx, "bus.ack",
		`UPDATE messages
		 SET processed = TRUE, processed_at = now(), processed_by = $1
		 WHERE id = $2 AND processed = FALSE`,
		agent, messageID)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UnprocessedCount is a best-effort gauge of pending messages for agent on
// channel. Errors degrade to zero.
func (b *MessageBus) UnprocessedCount(ctx context.Context, channel, agent string) (int, error) {
	var count int
	err := b.gw.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE channel = $1
		   AND (recipient IS NULL OR recipient = $2)
		   AND processed = FALSE`,
		channel, agent).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, store.NewError(store.KindOf(err), "bus.unprocessed_count", err)
	}
	return count, nil
}
