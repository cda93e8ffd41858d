package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ChangesChannel is the NOTIFY channel the table triggers publish on.
const ChangesChannel = "pulseboard_changes"

// Change is the payload of one trigger notification.
type Change struct {
	Table          string `json:"table"`
	OrganizationID string `json:"organization_id"`
}

type changeListener struct {
	match func(Change) bool
	kick  chan struct{}
}

// Notifier holds one LISTEN connection and fans change notifications out to
// live subscriptions as coalesced kicks.
type Notifier struct {
	pool *pgxpool.Pool
	log  *logrus.Entry

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]*changeListener
}

func NewNotifier(pool *pgxpool.Pool, log *logrus.Logger) *Notifier {
	return &Notifier{
		pool:      pool,
		log:       log.WithField("component", "notifier"),
		listeners: make(map[uint64]*changeListener),
	}
}

// Listen registers match and returns a channel that receives a value after
// any matching change. Kicks coalesce; the channel has room for one.
func (n *Notifier) Listen(match func(Change) bool) (<-chan struct{}, func()) {
	listener := &changeListener{match: match, kick: make(chan struct{}, 1)}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = listener
	n.mu.Unlock()

	var once sync.Once
	return listener.kick, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Run keeps the LISTEN connection open until ctx is done, reconnecting after
// failures. Every (re)connect kicks all listeners since notifications may
// have been missed.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.log.WithError(err).Warn("change listener disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	pooled, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangesChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ChangesChannel, err)
	}
	n.kickAll()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		n.dispatch(notification.Payload)
	}
}

func (n *Notifier) dispatch(payload string) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		n.log.WithError(err).WithField("payload", payload).Warn("ignoring malformed change notification")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, listener := range n.listeners {
		if listener.match(change) {
			kick(listener.kick)
		}
	}
}

func (n *Notifier) kickAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, listener := range n.listeners {
		kick(listener.kick)
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
