// Package livequery keeps exactly one live subscription per slot, matching
// the slot's current query signature, and routes failures to the error bus.
package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/errbus"
	"pulseboard/api/internal/metrics"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/store"
)

// SnapshotSink receives validated snapshots. Each call replaces the slot
// wholesale. Calls for one slot never overlap.
type SnapshotSink interface {
	ReplaceOrganizations(sig query.Signature, records []store.Organization)
	ReplaceWorkspaces(sig query.Signature, records []store.Workspace)
	ReplacePulseLog(sig query.Signature, records []store.PulseEntry)
	Reset(slot query.Slot)
}

type Manager struct {
	backend query.Backend
	sink    SnapshotSink
	bus     *errbus.Bus
	log     *logrus.Entry
	now     func() time.Time

	mu     sync.Mutex
	slots  map[query.Slot]*binding
	closed bool
}

// binding is the per-slot state. bindMu serializes signature changes and
// guards sig, sub and gen; gen moves on with every signature change.
type binding struct {
	bindMu sync.Mutex
	sig    *query.Signature
	sub    *subscription
	gen    uint64
}

// subscription is one backend subscription. mu serializes its deliveries and
// guards live, opening and held; once live is false nothing more reaches the
// sink or the bus. Failures raised while opening is set are held for the
// caller of Rebind instead of being published under its locks.
type subscription struct {
	slot    query.Slot
	sig     query.Signature
	mu      sync.Mutex
	live    bool
	opening bool
	held    []heldEvent
	cancel  query.Cancel
}

type heldEvent struct {
	topic   errbus.Topic
	event   any
	sub     *subscription
	binding *binding
	gen     uint64
}

// current reports whether the event's subscription is still the one bound
// to its slot.
func (ev heldEvent) current() bool {
	ev.binding.bindMu.Lock()
	same := ev.binding.gen == ev.gen
	ev.binding.bindMu.Unlock()
	if !same {
		return false
	}
	ev.sub.mu.Lock()
	defer ev.sub.mu.Unlock()
	return ev.sub.live
}

func New(backend query.Backend, sink SnapshotSink, bus *errbus.Bus, log *logrus.Logger) *Manager {
	return &Manager{
		backend: backend,
		sink:    sink,
		bus:     bus,
		log:     log.WithField("component", "livequery"),
		now:     time.Now,
		slots:   make(map[query.Slot]*binding),
	}
}

// Apply binds every known slot to its signature in set. Slots missing from
// set are unsubscribed.
func (m *Manager) Apply(ctx context.Context, set query.Set) {
	m.Rebind(ctx, set)()
}

// Rebind is Apply without publishing the failures raised while the new
// subscriptions were opened. The returned func publishes them; callers run
// it after releasing their own locks so handlers can change the inputs.
func (m *Manager) Rebind(ctx context.Context, set query.Set) (publish func()) {
	var held []heldEvent
	for _, slot := range query.Slots {
		held = append(held, m.bind(ctx, slot, set.Lookup(slot))...)
	}
	return func() { m.publishHeld(held) }
}

// Bind points slot at sig. An unchanged signature is a no-op. Otherwise the
// current subscription is torn down before the new one is opened, and the
// slot is reset to empty. A nil sig leaves the slot unsubscribed.
func (m *Manager) Bind(ctx context.Context, slot query.Slot, sig *query.Signature) {
	m.publishHeld(m.bind(ctx, slot, sig))
}

func (m *Manager) bind(ctx context.Context, slot query.Slot, sig *query.Signature) []heldEvent {
	b := m.binding(slot)
	if b == nil {
		return nil
	}

	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	if m.isClosed() {
		return nil
	}
	if sameSignature(b.sig, sig) {
		return nil
	}

	b.gen++
	m.teardown(b)
	if sig == nil {
		b.sig = nil
		m.sink.Reset(slot)
		return nil
	}
	if b.sig != nil {
		m.sink.Reset(slot)
	}

	current := *sig
	b.sig = &current
	sub := &subscription{slot: slot, sig: current, live: true, opening: true}
	b.sub = sub
	metrics.SubscriptionOpened(string(slot))

	cancel, err := m.backend.Subscribe(ctx, current,
		func(docs []json.RawMessage) { m.deliver(sub, docs) },
		func(err error) { m.fail(sub, err) },
	)
	if err != nil {
		m.fail(sub, fmt.Errorf("subscribe: %w", err))
	}

	sub.mu.Lock()
	sub.opening = false
	held := sub.held
	sub.held = nil
	sub.cancel = cancel
	stale := !sub.live
	sub.mu.Unlock()

	for i := range held {
		held[i].sub = sub
		held[i].binding = b
		held[i].gen = b.gen
	}

	if err != nil {
		// b.sig stays recorded so the same inputs are not retried
		b.sub = nil
		metrics.SubscriptionClosed(string(slot))
		return held
	}
	if stale {
		cancel()
	}

	m.log.WithFields(logrus.Fields{"slot": slot, "query": current.Key()}).Debug("live query subscribed")
	return held
}

func (m *Manager) publishHeld(held []heldEvent) {
	for _, ev := range held {
		if ev.current() {
			m.bus.Publish(ev.topic, ev.event)
		}
	}
}

// Signature returns the signature slot is bound to, or nil.
func (m *Manager) Signature(slot query.Slot) *query.Signature {
	b := m.binding(slot)
	if b == nil {
		return nil
	}
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	if b.sig == nil {
		return nil
	}
	sig := *b.sig
	return &sig
}

// Live reports whether slot holds a subscription.
func (m *Manager) Live(slot query.Slot) bool {
	b := m.binding(slot)
	if b == nil {
		return false
	}
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	return b.sub != nil
}

// Close cancels every live subscription. Later binds are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	bindings := make([]*binding, 0, len(m.slots))
	for _, b := range m.slots {
		bindings = append(bindings, b)
	}
	m.mu.Unlock()

	for _, b := range bindings {
		b.bindMu.Lock()
		b.gen++
		m.teardown(b)
		b.sig = nil
		b.bindMu.Unlock()
	}
}

func (m *Manager) binding(slot query.Slot) *binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	b, ok := m.slots[slot]
	if !ok {
		b = &binding{}
		m.slots[slot] = b
	}
	return b
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// teardown must be called with b.bindMu held. After it returns no delivery
// of the old subscription is observed, even if the backend's cancel
// completes later.
func (m *Manager) teardown(b *binding) {
	sub := b.sub
	if sub == nil {
		return
	}
	b.sub = nil

	sub.mu.Lock()
	sub.live = false
	cancel := sub.cancel
	sub.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.SubscriptionClosed(string(sub.slot))
	m.log.WithFields(logrus.Fields{"slot": sub.slot, "query": sub.sig.Key()}).Debug("live query unsubscribed")
}

func (m *Manager) deliver(sub *subscription, docs []json.RawMessage) {
	sub.mu.Lock()
	if !sub.live {
		sub.mu.Unlock()
		return
	}
	err := m.replace(sub, docs)
	sub.mu.Unlock()

	if err != nil {
		metrics.Delivery(string(sub.slot), "malformed")
		m.publishDeliveryError(sub, err)
		return
	}
	metrics.Delivery(string(sub.slot), "ok")
}

// replace decodes docs for the subscription's kind and hands them to the
// sink. Nothing is written when any record is malformed.
func (m *Manager) replace(sub *subscription, docs []json.RawMessage) error {
	switch sub.sig.Kind {
	case query.KindOrganizationsOwnedBy:
		records, err := decodeAll[store.Organization](docs)
		if err != nil {
			return err
		}
		m.sink.ReplaceOrganizations(sub.sig, records)
	case query.KindWorkspaces:
		records, err := decodeAll[store.Workspace](docs)
		if err != nil {
			return err
		}
		m.sink.ReplaceWorkspaces(sub.sig, records)
	case query.KindPulseLog:
		records, err := decodeAll[store.PulseEntry](docs)
		if err != nil {
			return err
		}
		m.sink.ReplacePulseLog(sub.sig, records)
	default:
		return fmt.Errorf("no record type for query kind %q", sub.sig.Kind)
	}
	return nil
}

func (m *Manager) fail(sub *subscription, err error) {
	sub.mu.Lock()
	live := sub.live
	sub.mu.Unlock()
	if !live {
		return
	}

	if errors.Is(err, query.ErrPermissionDenied) {
		event := newPermissionError(sub.slot, sub.sig, m.now(), err)
		metrics.Failure(string(sub.slot), "permission")
		m.log.WithFields(logrus.Fields{
			"slot":      sub.slot,
			"resource":  event.Resource(),
			"operation": event.Operation(),
		}).Warn("live query denied")
		m.emit(sub, TopicPermissionDenied, event)
		return
	}
	m.publishDeliveryError(sub, err)
}

func (m *Manager) publishDeliveryError(sub *subscription, err error) {
	event := newDeliveryError(sub.slot, sub.sig, m.now(), err)
	metrics.Failure(string(sub.slot), "delivery")
	m.log.WithFields(logrus.Fields{"slot": sub.slot, "query": sub.sig.Key()}).WithError(err).Warn("live query delivery failed")
	m.emit(sub, TopicDeliveryFailed, event)
}

// emit publishes event unless sub was torn down meanwhile. While sub is
// still being opened the event is held instead.
func (m *Manager) emit(sub *subscription, topic errbus.Topic, event any) {
	sub.mu.Lock()
	if !sub.live {
		sub.mu.Unlock()
		return
	}
	if sub.opening {
		sub.held = append(sub.held, heldEvent{topic: topic, event: event})
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()
	m.bus.Publish(topic, event)
}

func sameSignature(a, b *query.Signature) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
