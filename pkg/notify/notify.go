// Package notify implements persisted channel subscriptions with
// in-process synchronous event fan-out.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/learnstack/fabric/pkg/store"
)

// Mode selects which events a subscription receives.
type Mode string

const (
	// ModeAll receives every event on the channel.
	ModeAll Mode = "all"
	// ModeDirect receives only events whose recipient_agent names the
	// subscriber.
	ModeDirect Mode = "direct"
	// ModePattern receives events whose serialized data contains the
	// subscription pattern.
	ModePattern Mode = "pattern"
)

// Event is one fan-out notification. Delivery is synchronous and
// in-process; persistence of subscriptions lets a restarted process
// rebuild its routing table, not replay missed events.
type Event struct {
	Kind        string         `json:"kind"`
	Channel     string         `json:"channel"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	SourceAgent string         `json:"source_agent,omitempty"`
}

// Callback receives matched events for one subscription.
type Callback func(Event)

// EventHandler runs for every triggered event of its registered kind,
// before subscriber fan-out.
type EventHandler func(channel string, data map[string]any, sourceAgent string)

// Subscription is the persisted view of one agent's channel subscription.
type Subscription struct {
	Agent   string `json:"agent"`
	Channel string `json:"channel"`
	Mode    Mode   `json:"mode"`
	Pattern string `json:"pattern,omitempty"`
}

type subscriber struct {
	Subscription
	callback Callback
	count    atomic.Int64
}

// Notifier routes events to subscribed callbacks and kind handlers.
// Subscriptions are persisted; callbacks live only in this process and
// are re-attached after Subscribe on restart.
type Notifier struct {
	gw *store.Gateway

	mu       sync.RWMutex
	subs     map[string][]*subscriber
	handlers map[string][]EventHandler
}

// NewNotifier creates a notifier on the shared gateway.
func NewNotifier(gw *store.Gateway) *Notifier {
	return &Notifier{
		gw:       gw,
		subs:     make(map[string][]*subscriber),
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe persists the subscription and registers the callback. A
// repeat subscribe for the same agent and channel replaces the mode,
// pattern and callback.
func (n *Notifier) Subscribe(ctx context.Context, agent, channel string, mode Mode, pattern string, callback Callback) error {
	switch mode {
	case ModeAll, ModeDirect, ModePattern:
	default:
		return store.NewError(store.KindFatal, "notify.subscribe",
			fmt.Errorf("unknown subscription mode %q", mode))
	}

	if _, err := n.gw.Exec(ctx, "notify.subscribe",
		`INSERT INTO subscriptions (agent, channel, mode, pattern)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent, channel) DO UPDATE SET
		   mode = EXCLUDED.mode, pattern = EXCLUDED.pattern`,
		agent, channel, string(mode), nullable(pattern)); err != nil {
		return err
	}

	n.attach(&subscriber{
		Subscription: Subscription{Agent: agent, Channel: channel, Mode: mode, Pattern: pattern},
		callback:     callback,
	})

	slog.Info("Agent subscribed", "agent", agent, "channel", channel, "mode", mode)
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (n *Notifier) attach(sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.subs[sub.Channel][:0]
	for _, existing := range n.subs[sub.Channel] {
		if existing.Agent != sub.Agent {
			kept = append(kept, existing)
		}
	}
	n.subs[sub.Channel] = append(kept, sub)
}

// Unsubscribe removes the persisted subscription and its callback.
func (n *Notifier) Unsubscribe(ctx context.Context, agent, channel string) error {
	if _, err := n.gw.Exec(ctx, "notify.unsubscribe",
		`DELETE FROM subscriptions WHERE agent = $1 AND channel = $2`,
		agent, channel); err != nil {
		return err
	}

	n.mu.Lock()
	kept := n.subs[channel][:0]
	for _, existing := range n.subs[channel] {
		if existing.Agent != agent {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(n.subs, channel)
	} else {
		n.subs[channel] = kept
	}
	n.mu.Unlock()

	slog.Info("Agent unsubscribed", "agent", agent, "channel", channel)
	return nil
}

// SubscriptionsFor returns the agent's persisted subscriptions.
func (n *Notifier) SubscriptionsFor(ctx context.Context, agent string) ([]Subscription, error) {
	rows, err := n.gw.Query(ctx, "notify.subscriptions_for",
		`SELECT channel, mode, pattern FROM subscriptions WHERE agent = $1`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s := Subscription{Agent: agent}
		var pattern *string
		if err := rows.Scan(&s.Channel, &s.Mode, &pattern); err != nil {
			return nil, store.NewError(store.KindFatal, "notify.subscriptions_for", err)
		}
		if pattern != nil {
			s.Pattern = *pattern
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// RegisterEventHandler adds a handler that runs for every triggered event
// of the given kind, before subscriber fan-out.
func (n *Notifier) RegisterEventHandler(kind string, handler EventHandler) {
	n.mu.Lock()
	n.handlers[kind] = append(n.handlers[kind], handler)
	n.mu.Unlock()
	slog.Info("Event handler registered", "kind", kind)
}

// Trigger runs the kind's handlers then fans the event out to channel
// subscribers, returning the number of subscribers notified. Handler and
// callback failures are contained per callee and never abort the fan-out.
func (n *Notifier) Trigger(kind, channel string, data map[string]any, sourceAgent string) int {
	n.mu.RLock()
	handlers := append([]EventHandler(nil), n.handlers[kind]...)
	n.mu.RUnlock()

	for _, h := range handlers {
		runIsolated(func() { h(channel, data, sourceAgent) },
			"Event handler error", "kind", kind)
	}

	return n.Notify(channel, kind, data, sourceAgent)
}

// Notify fans an event out to the channel's subscribers without running
// kind handlers, returning the number notified.
func (n *Notifier) Notify(channel, kind string, data map[string]any, sourceAgent string) int {
	n.mu.RLock()
	subs := append([]*subscriber(nil), n.subs[channel]...)
	n.mu.RUnlock()
	if len(subs) == 0 {
		return 0
	}

	event := Event{
		Kind:        kind,
		Channel:     channel,
		Data:        data,
		Timestamp:   time.Now(),
		SourceAgent: sourceAgent,
	}

	var serialized string
	notified := 0
	for _, sub := range subs {
		match := false
		switch sub.Mode {
		case ModeAll:
			match = true
		case ModeDirect:
			recipient, _ := data["recipient_agent"].(string)
			match = recipient == sub.Agent
		case ModePattern:
			if sub.Pattern != "" {
				if serialized == "" {
					if raw, err := json.Marshal(data); err == nil {
						serialized = string(raw)
					}
				}
				match = strings.Contains(serialized, sub.Pattern)
			}
		}
		if !match {
			continue
		}

		if sub.callback != nil {
			agent := sub.Agent
			runIsolated(func() { sub.callback(event) },
				"Subscriber callback error", "agent", agent)
		}
		sub.count.Add(1)
		notified++
	}

	slog.Debug("Subscribers notified", "channel", channel, "kind", kind, "count", notified)
	return notified
}

func runIsolated(fn func(), msg string, args ...any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(msg, append(args, "panic", r)...)
		}
	}()
	fn()
}

// DeliveredCount returns how many events this process has delivered to
// the agent's subscription on channel.
func (n *Notifier) DeliveredCount(agent, channel string) int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs[channel] {
		if sub.Agent == agent {
			return sub.count.Load()
		}
	}
	return 0
}

// Start rebuilds the routing table from persisted subscriptions.
// Rehydrated subscriptions have no callback until the agent subscribes
// again in this process.
func (n *Notifier) Start(ctx context.Context) error {
	rows, err := n.gw.Query(ctx, "notify.load_subscriptions",
		`SELECT agent, channel, mode, pattern FROM subscriptions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var s Subscription
		var pattern *string
		if err := rows.Scan(&s.Agent, &s.Channel, &s.Mode, &pattern); err != nil {
			return store.NewError(store.KindFatal, "notify.load_subscriptions", err)
		}
		if pattern != nil {
			s.Pattern = *pattern
		}
		n.attach(&subscriber{Subscription: s})
		loaded++
	}
	if err := rows.Err(); err != nil {
		return store.NewError(store.KindOf(err), "notify.load_subscriptions", err)
	}

	slog.Info("Notification service started", "subscriptions", loaded)
	return nil
}

// Stop clears the in-process routing table. Persisted subscriptions
// survive for the next Start.
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.subs = make(map[string][]*subscriber)
	n.mu.Unlock()
	slog.Info("Notification service stopped")
}
