package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/observer/staffcall/internal/pubsub"
)

// EventType is the broker message type carrying a signal
const EventType = "call.signal"

// Handler receives validated inbound signals, one at a time, in sender order
type Handler func(ctx context.Context, msg *Message)

// Subscription is a live inbound listener
type Subscription interface {
	Unsubscribe() error
}

// Transport delivers signals between users
type Transport interface {
	// Send publishes msg on the target user's topic. Delivery is not
	// acknowledged; an error means the broker refused the publish.
	Send(ctx context.Context, to string, msg *Message) error

	// Listen subscribes to userID's topic until the subscription is closed
	Listen(ctx context.Context, userID string, h Handler) (Subscription, error)
}

// Limiter throttles inbound signals per sender
type Limiter interface {
	Allow(key string) bool
}

// Identity is the local user stamped on outbound signals
type Identity struct {
	ID   string
	Name string
}

// Config tunes a PubSubTransport
type Config struct {
	// Limiter drops signals from senders over budget. Nil disables limiting.
	Limiter    Limiter
	MaxPending int
	MaxHold    time.Duration
}

// PubSubTransport implements Transport on a pub/sub broker
type PubSubTransport struct {
	ps      pubsub.PubSub
	self    Identity
	session string
	cfg     Config
	logger  *slog.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

// NewPubSubTransport creates a transport for one user session
func NewPubSubTransport(ps pubsub.PubSub, self Identity, cfg Config, logger *slog.Logger) *PubSubTransport {
	session := uuid.NewString()
	return &PubSubTransport{
		ps:      ps,
		self:    self,
		session: session,
		cfg:     cfg,
		logger:  logger.With("component", "signaling", "user_id", self.ID, "session", session),
		seq:     make(map[string]uint64),
	}
}

// Session returns the id stamped on every outbound signal
func (t *PubSubTransport) Session() string {
	return t.session
}

// Send stamps sender identity and sequence and publishes to the target's topic
func (t *PubSubTransport) Send(ctx context.Context, to string, msg *Message) error {
	out := *msg
	out.From = t.self.ID
	out.FromName = t.self.Name
	out.To = to
	out.Session = t.session

	// Sequence allocation and publish stay under one lock so seq order is publish order
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq[to]++
	out.Seq = t.seq[to]

	payload, err := json.Marshal(&out)
	if err != nil {
		t.seq[to]--
		return fmt.Errorf("marshal %s: %w", out.Type, err)
	}

	topic := pubsub.Topics.User(to)
	if err := t.ps.Publish(ctx, topic, &pubsub.Message{Topic: topic, Type: EventType, Payload: payload}); err != nil {
		t.seq[to]--
		return fmt.Errorf("publish %s to %s: %w", out.Type, to, err)
	}

	t.logger.Debug("signal sent", "type", out.Type, "to", to, "seq", out.Seq)
	return nil
}

type listener struct {
	sub    pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (l *listener) Unsubscribe() error {
	l.once.Do(func() {
		l.cancel()
		l.err = l.sub.Unsubscribe()
	})
	return l.err
}

// Listen subscribes to userID's topic. Signals that are malformed, misaddressed,
// echoed from this session or over the sender's rate budget are dropped.
func (t *PubSubTransport) Listen(ctx context.Context, userID string, h Handler) (Subscription, error) {
	seq := NewSequencer(t.cfg.MaxPending, t.cfg.MaxHold)
	var mu sync.Mutex

	sub, err := t.ps.Subscribe(ctx, pubsub.Topics.User(userID), func(ctx context.Context, pm *pubsub.Message) {
		if pm.Type != EventType {
			return
		}

		var msg Message
		if err := json.Unmarshal(pm.Payload, &msg); err != nil {
			t.logger.Warn("dropping undecodable signal", "error", err)
			return
		}
		if msg.Session != "" && msg.Session == t.session {
			return
		}
		if msg.To != "" && msg.To != userID {
			t.logger.Warn("dropping misaddressed signal", "type", msg.Type, "to", msg.To)
			return
		}
		if err := msg.Validate(); err != nil {
			t.logger.Warn("dropping invalid signal", "error", err)
			return
		}
		if t.cfg.Limiter != nil && !t.cfg.Limiter.Allow(msg.From) {
			t.logger.Warn("signal rate exceeded", "from", msg.From, "type", msg.Type)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, m := range seq.Push(&msg) {
			h(ctx, m)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", userID, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(max(seq.MaxHold/4, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for _, m := range seq.Expire() {
					t.logger.Debug("releasing signal after gap", "type", m.Type, "from", m.From, "seq", m.Seq)
					h(lctx, m)
				}
				mu.Unlock()
			}
		}
	}()

	t.logger.Info("listening for signals", "topic", pubsub.Topics.User(userID))
	return &listener{sub: sub, cancel: cancel}, nil
}
