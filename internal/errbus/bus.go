// Package errbus is a process-scoped, topic-keyed publish/subscribe channel
// for failure events. Delivery is synchronous and best effort: there is no
// persistence and no replay to handlers registered after a publish.
package errbus

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

type Topic string

// Handler receives one published event. A panic raised by a handler is not
// recovered by the bus; it reaches the publisher.
type Handler func(event any)

// registration tracks which goroutines are inside handler so release can
// wait for them. The check of released and the entry into running happen
// under mu, so no call starts after release has returned.
type registration struct {
	handler Handler

	mu       sync.Mutex
	idle     *sync.Cond
	released bool
	running  map[uint64]int
}

func newRegistration(handler Handler) *registration {
	reg := &registration{handler: handler, running: make(map[uint64]int)}
	reg.idle = sync.NewCond(&reg.mu)
	return reg
}

// invoke calls the handler unless the registration has been released.
func (r *registration) invoke(event any) {
	gid := goroutineID()

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.running[gid]++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.running[gid]--; r.running[gid] == 0 {
			delete(r.running, gid)
		}
		r.idle.Broadcast()
		r.mu.Unlock()
	}()
	r.handler(event)
}

// release marks the registration released and waits for calls running on
// other goroutines. A call on the releasing goroutine itself, a handler
// releasing its own registration, is not waited for.
func (r *registration) release() {
	gid := goroutineID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	for r.busyElsewhere(gid) {
		r.idle.Wait()
	}
}

// busyElsewhere must be called with r.mu held.
func (r *registration) busyElsewhere(gid uint64) bool {
	for id := range r.running {
		if id != gid {
			return true
		}
	}
	return false
}

// goroutineID reads the current goroutine's id from its stack header,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

type Bus struct {
	mu       sync.Mutex
	handlers map[Topic][]*registration
	log      *logrus.Logger
}

func New(log *logrus.Logger) *Bus {
	return &Bus{
		handlers: make(map[Topic][]*registration),
		log:      log,
	}
}

// Subscribe registers handler for topic. The returned release func
// unregisters it; once release returns the handler is not invoked again and
// no call on another goroutine is still running. release must not be called
// while holding a lock the handler takes. Calling it more than once is
// harmless.
func (b *Bus) Subscribe(topic Topic, handler Handler) (release func()) {
	if handler == nil {
		panic("errbus: nil handler")
	}
	reg := newRegistration(handler)

	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(topic, reg)
			reg.release()
		})
	}
}

func (b *Bus) remove(topic Topic, reg *registration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[topic]
	for i, candidate := range regs {
		if candidate != reg {
			continue
		}
		next := make([]*registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, topic)
		} else {
			b.handlers[topic] = next
		}
		return
	}
}

// Publish calls every handler currently registered for topic, in
// registration order, on the caller's goroutine.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.Lock()
	regs := b.handlers[topic]
	b.mu.Unlock()

	if len(regs) == 0 {
		if b.log != nil {
			b.log.WithField("topic", topic).Debug("errbus: no subscribers for event")
		}
		return
	}
	for _, reg := range regs {
		reg.invoke(event)
	}
}

// SubscribersCount reports how many handlers are registered for topic.
func (b *Bus) SubscribersCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[topic])
}
