package websocket

import (
	"sort"
	"sync"

	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

// Handler consumes parsed stream updates for one subscriber.
type Handler func(update *interfaces.StreamUpdate)

// Opener is the slice of the connection manager the registry drives. The
// first subscription for a key opens its stream, the last unsubscription
// closes it.
type Opener interface {
	OpenStream(key string, spec *interfaces.StreamSpec, sink Sink) error
	CloseStream(key string)
}

// Registry is the subscriber arena: explicit handles keyed by stream,
// ref-counting the underlying connections. Dispatch isolates subscribers
// from each other, so one panicking callback cannot starve its siblings or
// take the connection down.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	conns  Opener
	logger logging.Logger
}

// NewRegistry creates a registry driving the given connection opener.
func NewRegistry(conns Opener, logger logging.Logger) *Registry {
	return &Registry{
		subs:   make(map[string]map[uint64]Handler),
		conns:  conns,
		logger: logging.OrNop(logger),
	}
}

// Subscription is the handle returned to a subscriber. Unsubscribe is
// idempotent; dropping the handle without calling it leaks the
// subscription.
type Subscription struct {
	id       uint64
	key      string
	registry *Registry
	once     sync.Once
}

// Key returns the stream key this subscription listens on.
func (s *Subscription) Key() string {
	return s.key
}

// Unsubscribe removes the subscription. When it was the last one on its
// stream the underlying connection is closed as well. Calling it again has
// no effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s.key, s.id)
	})
}

// Subscribe registers handler for the stream key and makes sure its
// connection is up: the first subscriber triggers the dial, later ones
// share the socket, and a subscriber arriving at a failed stream revives
// it.
func (r *Registry) Subscribe(key string, spec *interfaces.StreamSpec, sink Sink, handler Handler) (*Subscription, error) {
	r.mu.Lock()
	handlers, ok := r.subs[key]
	if !ok {
		handlers = make(map[uint64]Handler)
		r.subs[key] = handlers
	}
	r.nextID++
	id := r.nextID
	handlers[id] = handler
	count := len(handlers)
	r.mu.Unlock()

	if err := r.conns.OpenStream(key, spec, sink); err != nil {
		r.remove(key, id)
		return nil, err
	}

	r.logger.Debug("subscriber added",
		logging.String("stream", key),
		logging.Uint64("subscriber", id),
		logging.Int("subscribers", count),
	)
	return &Subscription{id: id, key: key, registry: r}, nil
}

func (r *Registry) remove(key string, id uint64) {
	r.mu.Lock()
	handlers, ok := r.subs[key]
	if ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(r.subs, key)
		}
	}
	last := ok && len(handlers) == 0
	r.mu.Unlock()

	if !ok {
		return
	}
	if last {
		r.conns.CloseStream(key)
	}
	r.logger.Debug("subscriber removed",
		logging.String("stream", key),
		logging.Uint64("subscriber", id),
		logging.Bool("stream_closed", last),
	)
}

// Dispatch delivers one update to every subscriber of the stream, in
// subscriber registration order. A panic in one callback is recovered and
// logged; remaining callbacks still run.
func (r *Registry) Dispatch(key string, update *interfaces.StreamUpdate) {
	if update.Empty() {
		return
	}

	r.mu.Lock()
	handlers := r.subs[key]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	// Map order is random; deliver in registration order instead.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, handlers[id])
	}
	r.mu.Unlock()

	for i, handler := range snapshot {
		r.safeCall(key, ids[i], handler, update)
	}
}

func (r *Registry) safeCall(key string, id uint64, handler Handler, update *interfaces.StreamUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			cbErr := &interfaces.CallbackError{StreamKey: key, SubscriberID: id, Recovered: rec}
			r.logger.Error("subscriber callback panicked",
				logging.String("stream", key),
				logging.Uint64("subscriber", id),
				logging.Error(cbErr),
			)
		}
	}()
	handler(update)
}

// SubscriberCount returns the number of subscribers on the stream key.
func (r *Registry) SubscriberCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// Clear drops every subscription without closing connections; the caller
// is expected to tear those down itself. Used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]map[uint64]Handler)
	r.mu.Unlock()
}
