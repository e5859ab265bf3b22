package network

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names a class of events
type EventKind string

const (
	EventMessage                EventKind = "message"
	EventReceipt                EventKind = "receipt"
	EventPresence               EventKind = "presence"
	EventNotification           EventKind = "notification"
	EventPairingCodeIssued      EventKind = "pairing-code-issued"
	EventPairingSucceeded       EventKind = "pairing-succeeded"
	EventPairingFailed          EventKind = "pairing-failed"
	EventSessionInvalidated     EventKind = "session-invalidated"
	EventConnectionStateChanged EventKind = "connection-state-changed"
	EventError                  EventKind = "error"
)

// EventKinds lists every kind in a stable order
var EventKinds = []EventKind{
	EventMessage, EventReceipt, EventPresence, EventNotification,
	EventPairingCodeIssued, EventPairingSucceeded, EventPairingFailed,
	EventSessionInvalidated, EventConnectionStateChanged, EventError,
}

// Event is delivered to subscribers.
//
// Payload types by kind:
//   - message, receipt, presence, notification: node.Node
//   - pairing-code-issued: PairingCode
//   - pairing-succeeded: PairingResult
//   - pairing-failed, error: error
//   - session-invalidated: SessionInvalidated
//   - connection-state-changed: StateChange
type Event struct {
	Kind    EventKind
	Time    time.Time
	Payload any
}

// Handler consumes events
type Handler func(Event)

type subscriber struct {
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscriber(h Handler, log *zap.Logger) *subscriber {
	s := &subscriber{handler: h, log: log}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// stop ends delivery; with drain set, already queued events are still delivered
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.closed = true
	if !drain {
		s.queue = nil
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// dispatcher fans events out to per-subscriber queues. Publishing never
// blocks on a handler.
type dispatcher struct {
	log     *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	nextID uint64
	subs   map[EventKind]map[uint64]*subscriber
	closed bool
}

func newDispatcher(log *zap.Logger, m *Metrics) *dispatcher {
	return &dispatcher{
		log:     log,
		metrics: m,
		subs:    make(map[EventKind]map[uint64]*subscriber),
	}
}

func (d *dispatcher) subscribe(kind EventKind, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}

	d.nextID++
	id := d.nextID
	sub := newSubscriber(h, d.log)
	if d.subs[kind] == nil {
		d.subs[kind] = make(map[uint64]*subscriber)
	}
	d.subs[kind][id] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs[kind], id)
			d.mu.Unlock()
			sub.stop(false)
		})
	}
}

func (d *dispatcher) publish(kind EventKind, payload any) {
	ev := Event{Kind: kind, Time: time.Now(), Payload: payload}
	d.metrics.Events.WithLabelValues(string(kind)).Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs[kind] {
		sub.push(ev)
	}
}

// close stops accepting events and lets subscribers drain their queues
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, subs := range d.subs {
		for _, sub := range subs {
			sub.stop(true)
		}
	}
	d.subs = nil
}
