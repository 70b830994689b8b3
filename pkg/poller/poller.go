// Package poller runs supervised per-agent message polling loops with
// adaptive backoff.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/learnstack/fabric/pkg/bus"
)

// Polling defaults; quiet channels back off multiplicatively up to the cap
// and any delivered batch resets the interval.
const (
	DefaultBaseInterval  = 5 * time.Second
	DefaultMaxInterval   = 60 * time.Second
	DefaultBackoffFactor = 1.5
	DefaultBatchSize     = 10
)

// Handler receives each polled batch. Messages are acked only after the
// handler returns without error, so a crash between delivery and ack
// re-delivers rather than loses.
type Handler func(ctx context.Context, messages []bus.Message) error

// Options tunes one agent's polling loop. Zero values take the defaults.
type Options struct {
	BaseInterval  time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
	BatchSize     int
}

func (o Options) withDefaults() Options {
	if o.BaseInterval <= 0 {
		o.BaseInterval = DefaultBaseInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Stats is a snapshot of one polling loop.
type Stats struct {
	Agent           string        `json:"agent"`
	Channels        []string      `json:"channels"`
	BaseInterval    time.Duration `json:"base_interval"`
	CurrentInterval time.Duration `json:"current_interval"`
	LastPoll        time.Time     `json:"last_poll"`
	MessageCount    int64         `json:"message_count"`
	ErrorCount      int64         `json:"error_count"`
	SuccessRate     float64       `json:"success_rate"`
}

type agentPoller struct {
	agent   string
	handler Handler
	opts    Options

	mu              sync.Mutex
	channels        []string
	currentInterval time.Duration
	lastPoll        time.Time
	messageCount    int64
	errorCount      int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns one polling goroutine per agent. Loops stop on demand
// or when the supervisor's context ends.
type Supervisor struct {
	bus *bus.MessageBus

	mu      sync.Mutex
	pollers map[string]*agentPoller
}

// NewSupervisor creates a supervisor over the message bus.
func NewSupervisor(b *bus.MessageBus) *Supervisor {
	return &Supervisor{
		bus:     b,
		pollers: make(map[string]*agentPoller),
	}
}

// StartPolling launches a polling loop for agent over channels. A second
// start for the same agent stops the previous loop first.
func (s *Supervisor) StartPolling(ctx context.Context, agent string, channels []string, handler Handler, opts Options) {
	s.StopPolling(agent)

	opts = opts.withDefaults()
	p := &agentPoller{
		agent:           agent,
		handler:         handler,
		opts:            opts,
		channels:        append([]string(nil), channels...),
		currentInterval: opts.BaseInterval,
		done:            make(chan struct{}),
	}
	ctx, p.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.pollers[agent] = p
	s.mu.Unlock()

	go s.run(ctx, p)

	slog.Info("Polling started", "agent", agent, "channels", channels, "interval", opts.BaseInterval)
}

// StopPolling stops the agent's loop and waits for it to exit. Unknown
// agents are a no-op.
func (s *Supervisor) StopPolling(agent string) {
	s.mu.Lock()
	p, ok := s.pollers[agent]
	if ok {
		delete(s.pollers, agent)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.cancel()
	<-p.done
	slog.Info("Polling stopped", "agent", agent)
}

// StopAll stops every polling loop.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	agents := make([]string, 0, len(s.pollers))
	for agent := range s.pollers {
		agents = append(agents, agent)
	}
	s.mu.Unlock()

	for _, agent := range agents {
		s.StopPolling(agent)
	}
}

// UpdateChannels replaces the channel set for a running loop; the change
// takes effect on the next poll cycle.
func (s *Supervisor) UpdateChannels(agent string, channels []string) error {
	s.mu.Lock()
	p, ok := s.pollers[agent]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no polling loop for agent %q", agent)
	}

	p.mu.Lock()
	p.channels = append([]string(nil), channels...)
	p.mu.Unlock()

	slog.Info("Polling channels updated", "agent", agent, "channels", channels)
	return nil
}

// Stats returns a snapshot of the agent's loop, or false when no loop is
// running.
func (s *Supervisor) Stats(agent string) (Stats, bool) {
	s.mu.Lock()
	p, ok := s.pollers[agent]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return p.snapshot(), true
}

// AllStats returns snapshots for every running loop.
func (s *Supervisor) AllStats() []Stats {
	s.mu.Lock()
	pollers := make([]*agentPoller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	stats := make([]Stats, 0, len(pollers))
	for _, p := range pollers {
		stats = append(stats, p.snapshot())
	}
	return stats
}

func (p *agentPoller) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Agent:           p.agent,
		Channels:        append([]string(nil), p.channels...),
		BaseInterval:    p.opts.BaseInterval,
		CurrentInterval: p.currentInterval,
		LastPoll:        p.lastPoll,
		MessageCount:    p.messageCount,
		ErrorCount:      p.errorCount,
		SuccessRate:     1.0,
	}
	if total := p.messageCount + p.errorCount; total > 0 {
		st.SuccessRate = float64(p.messageCount) / float64(total)
	}
	return st
}

func (s *Supervisor) run(ctx context.Context, p *agentPoller) {
	defer close(p.done)

	for {
		wait := s.cycle(ctx, p)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// cycle polls every channel once, delivers any batch, and returns the
// next wait: the base interval after deliveries, the backed-off interval
// after an empty poll.
func (s *Supervisor) cycle(ctx context.Context, p *agentPoller) time.Duration {
	p.mu.Lock()
	channels := append([]string(nil), p.channels...)
	p.lastPoll = time.Now()
	p.mu.Unlock()

	var messages []bus.Message
	for _, channel := range channels {
		batch, err := s.bus.Poll(ctx, channel, p.agent, p.opts.BatchSize, false)
		if err != nil {
			slog.Error("Channel poll failed", "agent", p.agent, "channel", channel, "error", err)
			p.recordError()
			continue
		}
		messages = append(messages, batch...)
	}

	if len(messages) == 0 {
		return p.backoff()
	}

	if err := p.handle(ctx, messages); err != nil {
		slog.Error("Message handling failed", "agent", p.agent, "error", err)
		p.recordError()
		return p.current()
	}

	for _, m := range messages {
		if _, err := s.bus.Ack(ctx, m.ID, p.agent); err != nil {
			slog.Error("Message ack failed", "agent", p.agent, "message_id", m.ID, "error", err)
			p.recordError()
		}
	}

	p.mu.Lock()
	p.messageCount += int64(len(messages))
	p.currentInterval = p.opts.BaseInterval
	p.mu.Unlock()

	slog.Debug("Messages processed", "agent", p.agent, "count", len(messages))
	return p.opts.BaseInterval
}

func (p *agentPoller) handle(ctx context.Context, messages []bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, messages)
}

func (p *agentPoller) recordError() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}

func (p *agentPoller) current() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentInterval
}

func (p *agentPoller) backoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := time.Duration(float64(p.currentInterval) * p.opts.BackoffFactor)
	if next > p.opts.MaxInterval {
		next = p.opts.MaxInterval
	}
	p.currentInterval = next
	return next
}
