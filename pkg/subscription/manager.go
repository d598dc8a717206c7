package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pnwsync/pnwsync/pkg/models"
	"github.com/pnwsync/pnwsync/pkg/pusher"
	"github.com/pnwsync/pnwsync/pkg/restapi"
)

// Manager owns the active subscriptions. One mutex serializes every
// subscription transition, including the gap rollbacks the subscriptions
// perform themselves.
type Manager struct {
	wire   *pusher.Client
	api    *restapi.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewManager wires the manager to the WebSocket client and REST client.
func NewManager(wire *pusher.Client, api *restapi.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		wire:   wire,
		api:    api,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

func subscriptionKey(kind models.Kind, event models.EventKind) string {
	return fmt.Sprintf("%s:%s", kind, event)
}

// Feed names one (kind, event) stream and the handlers it fans out to.
type Feed struct {
	Kind     models.Kind
	Event    models.EventKind
	Handlers []Handler
}

// Bootstrapper runs the startup reconciliation; satisfied by the
// reconciler.
type Bootstrapper interface {
	Run(ctx context.Context) error
}

// Start brings the service to steady state: one full reconciliation,
// then every configured feed opened in parallel. The feeds must not
// write rows while the reconciliation's stale sweep runs, so the
// subscriptions wait for it to finish.
func (m *Manager) Start(ctx context.Context, boot Bootstrapper, feeds []Feed) error {
	if boot != nil {
		if err := boot.Run(ctx); err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			_, err := m.Subscribe(gctx, feed.Kind, feed.Event, feed.Handlers...)
			return err
		})
	}
	return g.Wait()
}

// Subscribe starts the (kind, event) feed with the given handlers. A
// duplicate subscribe warns and returns the existing subscription.
func (m *Manager) Subscribe(ctx context.Context, kind models.Kind, event models.EventKind, handlers ...Handler) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subscriptionKey(kind, event)
	if existing, ok := m.subs[key]; ok {
		m.logger.Warn("Duplicate subscribe, returning existing subscription",
			"kind", kind, "event", event)
		return existing, nil
	}

	s := &Subscription{
		kind:     kind,
		event:    event,
		wire:     m.wire,
		api:      m.api,
		logger:   m.logger,
		lock:     &m.mu,
		handlers: handlers,
	}
	if err := s.start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s %s subscription: %w", kind, event, err)
	}
	m.subs[key] = s
	return s, nil
}

// Subscriptions returns the active subscriptions.
func (m *Manager) Subscriptions() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

// UnsubscribeAll tears every subscription down, best effort.
func (m *Manager) UnsubscribeAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.subs {
		if err := m.wire.Unsubscribe(ctx, s.channelName); err != nil {
			m.logger.Warn("Unsubscribe failed", "kind", s.kind, "event", s.event, "error", err)
		}
		delete(m.subs, key)
	}
}
