// Package realtime delivers row-level change events filtered by table and column.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	subscriptionBufferSize = 64
	// remoteSeenSize bounds the ids remembered to drop an event that arrives over both bridges.
	remoteSeenSize = 4096
)

// Table names the store tables that emit change events.
type Table string

const (
	TableConversations Table = "conversations"
	TableParticipants  Table = "conversation_participants"
	TableMessages      Table = "messages"
	TableNotifications Table = "notifications"
)

// Action is the row-level change kind.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Event is a single row change.
type Event struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Table      Table             `json:"table"`
	Action     Action            `json:"action"`
	RecordID   uint              `json:"record_id"`
	Columns    map[string]string `json:"columns,omitempty"`
	Record     json.RawMessage   `json:"record,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent builds an event whose record is the JSON encoding of row.
func NewEvent(table Table, action Action, id uint, columns map[string]string, row interface{}) (Event, error) {
	event := Event{
		Table:      table,
		Action:     action,
		RecordID:   id,
		Columns:    columns,
		OccurredAt: time.Now().UTC(),
	}
	if row != nil {
		payload, err := json.Marshal(row)
		if err != nil {
			return Event{}, err
		}
		event.Record = payload
	}
	return event, nil
}

// Column returns the value of a filterable column.
func (e Event) Column(name string) string {
	if e.Columns == nil {
		return ""
	}
	return e.Columns[name]
}

// UintColumn parses a numeric column, returning 0 when absent or malformed.
func (e Event) UintColumn(name string) uint {
	parsed, err := strconv.ParseUint(e.Column(name), 10, 64)
	if err != nil {
		return 0
	}
	return uint(parsed)
}

// Filter selects events for one table, optionally narrowed by an equality predicate.
type Filter struct {
	Table  Table
	Column string
	Value  string
	// Actions restricts the matched actions; empty matches all.
	Actions []Action
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(e Event) bool {
	if f.Table != e.Table {
		return false
	}
	if len(f.Actions) > 0 {
		matched := false
		for _, action := range f.Actions {
			if action == e.Action {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Column == "" {
		return true
	}
	return e.Column(f.Column) == f.Value
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber hands out filtered event streams.
type Subscriber interface {
	Subscribe(filters ...Filter) *Subscription
}

// Subscription is a live event stream. Events are dropped when the consumer falls behind.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	filters []Filter
	broker  *Broker
	once    sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
	})
}

func (s *Subscription) matches(e Event) bool {
	for _, filter := range s.filters {
		if filter.Matches(e) {
			return true
		}
	}
	return false
}

// Broker fans change events out to local subscribers and bridges them across nodes.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}

	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger

	remoteMu    sync.Mutex
	remoteSeen  map[string]struct{}
	remoteOrder []string
	remoteNext  int
}

// NewBroker constructs a broker. Redis and NATS are optional.
func NewBroker(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *Broker {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":changes"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".changes"
	}

	return &Broker{
		subscribers:  make(map[*Subscription]struct{}),
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		nodeID:       uuid.NewString(),
		logger:       logger.With().Str("component", "realtime_broker").Logger(),
		remoteSeen:   make(map[string]struct{}, remoteSeenSize),
		remoteOrder:  make([]string, remoteSeenSize),
	}
}

// NodeID identifies this broker instance in bridged events.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Start consumes remote events until ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Subscribe registers a stream receiving events matching any of the filters.
func (b *Broker) Subscribe(filters ...Filter) *Subscription {
	ch := make(chan Event, subscriptionBufferSize)
	sub := &Subscription{
		C:       ch,
		ch:      ch,
		filters: filters,
		broker:  b,
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers the event locally and to the configured bridges.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Source == "" {
		event.Source = b.nodeID
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.deliver(event)

	if (b.redis == nil || b.redisChannel == "") && (b.nats == nil || b.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) deliver(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().Str("table", string(event.Table)).Uint("record_id", event.RecordID).Msg("dropping change event for slow subscriber")
		}
	}
}

func (b *Broker) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("change feed redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *Broker) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleRemote(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats change subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain change feed nats subscription")
		}
	}()
}

func (b *Broker) handleRemote(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid change event payload")
		return
	}

	if event.Source == b.nodeID {
		return
	}
	if !b.firstRemoteSighting(event.ID) {
		return
	}

	b.deliver(event)
}

// firstRemoteSighting reports whether id has not been delivered from a bridge yet. With
// both redis and NATS configured every remote event arrives twice.
func (b *Broker) firstRemoteSighting(id string) bool {
	if id == "" {
		return true
	}

	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()

	if _, ok := b.remoteSeen[id]; ok {
		return false
	}
	if evicted := b.remoteOrder[b.remoteNext]; evicted != "" {
		delete(b.remoteSeen, evicted)
	}
	b.remoteOrder[b.remoteNext] = id
	b.remoteNext = (b.remoteNext + 1) % len(b.remoteOrder)
	b.remoteSeen[id] = struct{}{}
	return true
}
