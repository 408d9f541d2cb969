package modules

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
)

// ModuleSnapshot is the module metadata carried by a state change event.
type ModuleSnapshot struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	IsCore      bool   `json:"is_core"`
}

// ModuleStateEvent is the single event type for every module state change;
// consumers switch on Action.
type ModuleStateEvent struct {
	Action    ModuleAction
	Tenant    Tenant
	Module    ModuleSnapshot
	Actor     ActorRef
	Timestamp time.Time
}

// EventSubscriber consumes state change events in process, synchronously.
type EventSubscriber interface {
	HandleModuleEvent(ctx context.Context, event ModuleStateEvent) error
}

// EventSubscriberFunc adapts a function to the EventSubscriber interface.
type EventSubscriberFunc func(ctx context.Context, event ModuleStateEvent) error

// HandleModuleEvent implements EventSubscriber.
func (f EventSubscriberFunc) HandleModuleEvent(ctx context.Context, event ModuleStateEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// Broadcaster pushes events to an outward channel (pub/sub, stream).
type Broadcaster interface {
	Broadcast(ctx context.Context, event ModuleStateEvent) error
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(ctx context.Context, event ModuleStateEvent) error

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(ctx context.Context, event ModuleStateEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// EventPublisher is what the manager publishes committed changes to.
type EventPublisher interface {
	Publish(ctx context.Context, event ModuleStateEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ModuleStateEvent) {}

func normalizePublisher(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// EventBusOption customizes bus construction.
type EventBusOption func(*EventBus)

// WithEventBusLogger overrides the logger used for delivery failures.
func WithEventBusLogger(logger Logger) EventBusOption {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEventBusWorkers sets how many broadcasts run concurrently.
func WithEventBusWorkers(n int) EventBusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithEventBusMaxRetries bounds the retries of a failed broadcast.
func WithEventBusMaxRetries(n int) EventBusOption {
	return func(b *EventBus) {
		if n >= 0 {
			b.maxRetries = uint64(n)
		}
	}
}

// WithEventBusBackOff replaces the retry schedule factory.
func WithEventBusBackOff(factory func() backoff.BackOff) EventBusOption {
	return func(b *EventBus) {
		if factory != nil {
			b.newBackOff = factory
		}
	}
}

// WithSubscriber registers an in process subscriber.
func WithSubscriber(sub EventSubscriber) EventBusOption {
	return func(b *EventBus) {
		if sub != nil {
			b.subscribers = append(b.subscribers, sub)
		}
	}
}

// WithBroadcaster registers an outward broadcaster.
func WithBroadcaster(bc Broadcaster) EventBusOption {
	return func(b *EventBus) {
		if bc != nil {
			b.broadcasters = append(b.broadcasters, bc)
		}
	}
}

// EventBus fans committed state changes out. Subscribers run synchronously
// inside Publish; broadcasters run on a worker pool with retry, and their
// failures never reach the caller.
type EventBus struct {
	mu           sync.RWMutex
	subscribers  []EventSubscriber
	broadcasters []Broadcaster
	logger       Logger
	workers      int
	maxRetries   uint64
	newBackOff   func() backoff.BackOff
	pool         *workerpool.WorkerPool
	closed       bool
}

// NewEventBus returns a started bus. Call Close to drain pending broadcasts.
func NewEventBus(opts ...EventBusOption) *EventBus {
	b := &EventBus{
		logger:     newDefLogger(),
		workers:    4,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxElapsedTime(30*time.Second),
			)
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.pool = workerpool.New(b.workers)
	return b
}

// Subscribe adds an in process subscriber.
func (b *EventBus) Subscribe(sub EventSubscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// AddBroadcaster adds an outward broadcaster.
func (b *EventBus) AddBroadcaster(bc Broadcaster) {
	if bc == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasters = append(b.broadcasters, bc)
}

// Publish implements EventPublisher.
func (b *EventBus) Publish(ctx context.Context, event ModuleStateEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Actor == (ActorRef{}) {
		event.Actor = SystemActor()
	}

	b.mu.RLock()
	subscribers := append([]EventSubscriber(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, sub := range subscribers {
		if err := sub.HandleModuleEvent(ctx, event); err != nil {
			b.logger.Warn("module event subscriber error for %s %s: %v", event.Module.Name, event.Action, err)
		}
	}

	// held until submitted so Close cannot stop the pool underneath us
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		if len(b.broadcasters) > 0 {
			b.logger.Warn("event bus closed, dropping broadcast of %s %s", event.Module.Name, event.Action)
		}
		return
	}

	// delivery outlives the request that triggered it
	bctx := context.WithoutCancel(ctx)
	for _, bc := range b.broadcasters {
		bc := bc
		b.pool.Submit(func() {
			b.deliver(bctx, bc, event)
		})
	}
}

func (b *EventBus) deliver(ctx context.Context, bc Broadcaster, event ModuleStateEvent) {
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), b.maxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := bc.Broadcast(ctx, event)
		if err != nil && IsValidationError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		b.logger.Error("broadcast of %s %s for tenant %s failed after %d attempts: %v",
			event.Module.Name, event.Action, describeTenant(event.Tenant), attempt, err)
	}
}

// Close waits for queued broadcasts and stops the pool. Publish keeps
// notifying subscribers after Close but drops broadcasts.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.pool.StopWait()
}

// SystemActor is the actor recorded when none is supplied.
func SystemActor() ActorRef {
	return ActorRef{Type: "system"}
}
