// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// OverflowPolicy selects what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// PolicyBlock blocks the publisher until the subscriber drains.
	PolicyBlock OverflowPolicy = "block"
	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest OverflowPolicy = "drop_oldest"
)

const (
	defaultBufferSize   = 64
	defaultHistoryLimit = 1000
)

// Config tunes the channel.
type Config struct {
	// BufferSize bounds each subscriber queue.
	BufferSize int
	// Policy applies when a subscriber queue is full.
	Policy OverflowPolicy
	// HistoryLimit bounds the in-memory publish history ring.
	HistoryLimit int
}

// Recorder mirrors published messages into a durable history log.
// cop.Store satisfies it.
type Recorder interface {
	RecordMessage(ctx context.Context, rec cop.MessageRecord) error
}

// Subscription is one role's inbound queue. Each queue is owned by
// exactly one consumer; only the orchestrator creates subscriptions,
// and only before the run starts.
type Subscription struct {
	role string
	ch   chan Envelope
	done chan struct{}
	wg   sync.WaitGroup

	dropped  atomic.Int64
	inflight atomic.Int64
}

// C is the inbound message stream. It closes when the channel closes.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Role returns the subscriber identity.
func (s *Subscription) Role() string { return s.role }

// Ack marks one received message as fully processed. A delivered
// message counts toward Pending until it is acknowledged, so a
// quiescence check cannot land in the gap between a queue receive and
// the start of processing.
func (s *Subscription) Ack() { s.inflight.Add(-1) }

// Dropped reports how many messages were evicted under PolicyDropOldest.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Channel is the in-process message fabric between role workers. It
// fans broadcast messages out to every topic subscriber except the
// sender, and routes targeted messages straight to the named roles.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	pubSub   *gochannel.GoChannel
	recorder Recorder
	clock    func() time.Time

	mu      sync.Mutex
	subs    map[string]*Subscription
	history []Envelope
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithRecorder mirrors every published message into rec.
func WithRecorder(rec Recorder) Option {
	return func(c *Channel) { c.recorder = rec }
}

// WithClock overrides the publish timestamp source, used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.clock = clock }
}

// NewChannel builds an in-process channel backed by watermill's
// gochannel pub/sub.
func NewChannel(cfg Config, logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	c := &Channel{
		cfg:    cfg,
		logger: logger,
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(cfg.BufferSize),
		}, watermill.NewSlogLogger(logger)),
		clock: func() time.Time { return time.Now().UTC() },
		subs:  make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func directTopic(role string) string { return "direct." + role }

// Subscribe creates the inbound queue for role, wired to the given
// broadcast topics plus the role's direct topic. It must be called
// before the first Publish; the channel never delivers messages
// published before the subscription existed.
func (c *Channel) Subscribe(ctx context.Context, role string, topics ...string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New(errors.CodeInternal, "channel is closed", nil)
	}
	if _, ok := c.subs[role]; ok {
		return nil, errors.New(errors.CodeInvalidInput, "role already subscribed", nil).
			WithContext("role", role)
	}

	sub := &Subscription{
		role: role,
		ch:   make(chan Envelope, c.cfg.BufferSize),
		done: make(chan struct{}),
	}
	all := append(append([]string(nil), topics...), directTopic(role))
	for _, topic := range all {
		msgs, err := c.pubSub.Subscribe(ctx, topic)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "subscribe topic", err).
				WithContext("role", role).
				WithContext("topic", topic)
		}
		sub.wg.Add(1)
		go c.forward(sub, msgs)
	}
	c.subs[role] = sub
	c.logger.Debug("role subscribed", "role", role, "topics", topics)
	return sub, nil
}

// forward drains one watermill subscription into the role queue,
// filtering out the subscriber's own messages. One goroutine per topic
// keeps per-topic FIFO intact.
func (c *Channel) forward(sub *Subscription, msgs <-chan *message.Message) {
	defer sub.wg.Done()
	for msg := range msgs {
		var env Envelope
		err := json.Unmarshal(msg.Payload, &env)
		msg.Ack()
		if err != nil {
			c.logger.Warn("dropping undecodable message", "role", sub.role, "error", err)
			continue
		}
		if env.Sender == sub.role {
			continue
		}
		c.deliver(sub, env)
	}
}

func (c *Channel) deliver(sub *Subscription, env Envelope) {
	sub.inflight.Add(1)
	if c.cfg.Policy == PolicyDropOldest {
		for {
			select {
			case sub.ch <- env:
				return
			case <-sub.done:
				sub.inflight.Add(-1)
				return
			default:
			}
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
				sub.inflight.Add(-1)
			default:
			}
		}
	}
	select {
	case sub.ch <- env:
	case <-sub.done:
		sub.inflight.Add(-1)
	}
}

// Publish assigns the envelope its identity and timestamp, records it
// in history, and delivers it. Targeted envelopes go only to the named
// roles' direct topics; everything else fans out on the topic.
func (c *Channel) Publish(ctx context.Context, env Envelope) error {
	if env.Topic == "" {
		return errors.New(errors.CodeInvalidInput, "message topic is required", nil)
	}
	if env.ID == "" {
		env.ID = watermill.NewUUID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = c.clock()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.CodeInternal, "channel is closed", nil)
	}
	c.history = append(c.history, env)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	c.mu.Unlock()

	if c.recorder != nil {
		rec := cop.MessageRecord{
			ID:        env.ID,
			Topic:     env.Topic,
			Sender:    env.Sender,
			Targets:   env.Targets,
			Payload:   env.Payload,
			Timestamp: env.Timestamp,
		}
		if err := c.recorder.RecordMessage(ctx, rec); err != nil {
			c.logger.Warn("mirror message to store", "message_id", env.ID, "error", err)
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return errors.New(errors.CodeInternal, "encode envelope", err)
	}

	publishTo := []string{env.Topic}
	if len(env.Targets) > 0 {
		publishTo = publishTo[:0]
		for _, target := range env.Targets {
			publishTo = append(publishTo, directTopic(target))
		}
	}
	for _, topic := range publishTo {
		msg := message.NewMessage(env.ID, raw)
		msg.Metadata.Set("sender", env.Sender)
		msg.Metadata.Set("topic", env.Topic)
		if err := c.pubSub.Publish(topic, msg); err != nil {
			return errors.New(errors.CodeInternal, "publish message", err).
				WithContext("topic", topic)
		}
	}
	return nil
}

// History returns up to limit recent envelopes, newest first. An empty
// topic matches everything.
func (c *Channel) History(topic string, limit int) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, limit)
	for i := len(c.history) - 1; i >= 0; i-- {
		if topic != "" && c.history[i].Topic != topic {
			continue
		}
		out = append(out, c.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Pending reports how many delivered messages are not yet fully
// processed across all subscribers: queued plus received-but-unacked.
// The orchestrator uses it for quiescence.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, sub := range c.subs {
		n += int(sub.inflight.Load())
	}
	return n
}

// Close tears the channel down: publishers and blocked deliveries are
// released, subscriber streams drain and close.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	err := c.pubSub.Close()
	for _, sub := range subs {
		sub.wg.Wait()
		close(sub.ch)
	}
	if err != nil {
		return errors.New(errors.CodeInternal, "close pub/sub", err)
	}
	return nil
}
