package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/models"
	"github.com/pnwsync/pnwsync/pkg/pusher"
	"github.com/pnwsync/pnwsync/pkg/restapi"
)

// Handler consumes one decoded feed record: a models.Record for table
// kinds, an *models.Account for the account kind.
type Handler func(ctx context.Context, record any) error

// Subscription is one live (kind, event) feed. All frame handling runs on
// the connection's read goroutine; transitions hold the manager's shared
// lock.
type Subscription struct {
	kind  models.Kind
	event models.EventKind

	wire   *pusher.Client
	api    *restapi.Client
	logger *slog.Logger

	// lock is shared with the manager; it guards transitions, handlers
	// and the metadata cursor.
	lock        *sync.Mutex
	channelName string
	channel     *pusher.Channel
	handlers    []Handler
	lastMax     *MetadataTime
}

// Kind returns the subscribed kind.
func (s *Subscription) Kind() models.Kind { return s.kind }

// Event returns the subscribed event.
func (s *Subscription) Event() models.EventKind { return s.event }

// ChannelName returns the current upstream channel name.
func (s *Subscription) ChannelName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.channelName
}

// AddHandler appends a handler; it sees only records delivered after the
// call.
func (s *Subscription) AddHandler(h Handler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handlers = append(s.handlers, h)
}

// dataEventName is the frame event carrying one record, e.g. NATION_CREATE.
func (s *Subscription) dataEventName() string {
	return strings.ToUpper(fmt.Sprintf("%s_%s", s.kind, s.event))
}

// start mints the channel and attaches to it. Caller holds the lock.
func (s *Subscription) start(ctx context.Context) error {
	name, err := s.api.SubscribeChannel(ctx, s.kind, s.event, nil)
	if err != nil {
		return err
	}
	return s.attach(ctx, name)
}

// attach subscribes the wire channel and binds the three frame events.
// Caller holds the lock.
func (s *Subscription) attach(ctx context.Context, name string) error {
	channel, err := s.wire.Subscribe(ctx, name)
	if err != nil {
		return fmt.Errorf("subscribing channel %s: %w", name, err)
	}
	dataEvent := s.dataEventName()
	channel.Bind(dataEvent, s.handleData)
	channel.Bind("BULK_"+dataEvent, s.handleBulk)
	channel.Bind(dataEvent+"_METADATA", s.handleMetadata)

	s.channelName = name
	s.channel = channel
	s.logger.Info("Subscribed", "kind", s.kind, "event", s.event, "channel", name)
	return nil
}

func (s *Subscription) handleData(ctx context.Context, frame pusher.Frame) {
	payload, err := frame.DataBytes()
	if err != nil {
		s.dropRecord(err, frame.Data)
		return
	}
	s.dispatchRecord(ctx, payload)
}

func (s *Subscription) handleBulk(ctx context.Context, frame pusher.Frame) {
	payload, err := frame.DataBytes()
	if err != nil {
		s.dropRecord(err, frame.Data)
		return
	}
	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		s.dropRecord(fmt.Errorf("decoding bulk payload: %w", err), payload)
		return
	}
	for _, raw := range records {
		s.dispatchRecord(ctx, raw)
	}
}

func (s *Subscription) dispatchRecord(ctx context.Context, raw []byte) {
	record, err := models.Decode(s.kind, raw)
	if err != nil {
		s.dropRecord(err, raw)
		return
	}

	s.lock.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.lock.Unlock()

	for _, h := range handlers {
		if err := h(ctx, record); err != nil {
			s.logger.Error("Feed handler failed",
				"kind", s.kind, "event", s.event, "error", err)
		}
	}
}

// dropRecord logs a schema validation failure; the feed proceeds.
func (s *Subscription) dropRecord(err error, raw []byte) {
	metrics.ValidationDrops.WithLabelValues(string(s.kind)).Inc()
	snippet := raw
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	s.logger.Warn("Dropping invalid feed record",
		"kind", s.kind, "event", s.event, "error", err, "record", string(snippet))
}

// handleMetadata advances the metadata cursor and heals gaps: when the
// cached max is older than the new batch's after, events were missed and
// the subscription rolls back via a since-token resubscribe.
func (s *Subscription) handleMetadata(ctx context.Context, frame pusher.Frame) {
	payload, err := frame.DataBytes()
	if err != nil {
		s.logger.Warn("Dropping invalid metadata frame", "kind", s.kind, "event", s.event, "error", err)
		return
	}
	var md MetadataEvent
	if err := json.Unmarshal(payload, &md); err != nil {
		s.logger.Warn("Dropping invalid metadata frame", "kind", s.kind, "event", s.event, "error", err)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	cached := s.lastMax
	s.lastMax = &md.Max

	if cached == nil || !cached.Before(md.After) {
		return
	}

	metrics.GapsDetected.WithLabelValues(string(s.kind)).Inc()
	s.logger.Warn("Missed events detected, rolling back subscription",
		"kind", s.kind, "event", s.event,
		"cached_max_millis", cached.Millis, "cached_max_nanos", cached.Nanos,
		"after_millis", md.After.Millis, "after_nanos", md.After.Nanos)

	if err := s.resubscribeLocked(ctx, *cached); err != nil {
		s.logger.Error("Rollback resubscribe failed", "kind", s.kind, "event", s.event, "error", err)
	}
}

// resubscribeLocked replaces the channel with one replaying events just
// before the cached max. Caller holds the lock.
func (s *Subscription) resubscribeLocked(ctx context.Context, cached MetadataTime) error {
	if err := s.wire.Unsubscribe(ctx, s.channelName); err != nil {
		s.logger.Warn("Unsubscribe before rollback failed", "channel", s.channelName, "error", err)
	}

	since := &restapi.SinceToken{Millis: cached.Millis, Nanos: cached.Nanos - 1}
	name, err := s.api.SubscribeChannel(ctx, s.kind, s.event, since)
	if err != nil {
		return err
	}
	return s.attach(ctx, name)
}
