package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/query"
)

// LiveBackend serves live queries for one user from Postgres. Each
// subscription re-runs its query whenever the Notifier reports a relevant
// change and delivers only when the result differs from the last one.
type LiveBackend struct {
	store    *PostgresStore
	notifier *Notifier
	userID   string
	log      *logrus.Entry
}

func NewLiveBackend(store *PostgresStore, notifier *Notifier, userID string, log *logrus.Logger) *LiveBackend {
	return &LiveBackend{
		store:    store,
		notifier: notifier,
		userID:   userID,
		log:      log.WithFields(logrus.Fields{"component": "live_backend", "user_id": userID}),
	}
}

func (b *LiveBackend) Subscribe(ctx context.Context, sig query.Signature, onSnapshot query.SnapshotFunc, onError query.ErrorFunc) (query.Cancel, error) {
	match, err := changeMatcher(sig)
	if err != nil {
		return nil, err
	}

	kicks, unlisten := b.notifier.Listen(match)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go b.run(subCtx, sig, kicks, onSnapshot, onError)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			unlisten()
		})
	}, nil
}

func (b *LiveBackend) run(ctx context.Context, sig query.Signature, kicks <-chan struct{}, onSnapshot query.SnapshotFunc, onError query.ErrorFunc) {
	var last []json.RawMessage
	delivered := false
	for {
		docs, err := b.store.liveDocuments(ctx, b.userID, sig)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			onError(err)
			if errors.Is(err, query.ErrPermissionDenied) {
				b.log.WithField("query", sig.Key()).Debug("live query denied; stopping")
				return
			}
		case !delivered || !sameDocuments(last, docs):
			delivered = true
			last = docs
			onSnapshot(docs)
		}

		select {
		case <-ctx.Done():
			return
		case <-kicks:
		}
	}
}

func changeMatcher(sig query.Signature) (func(Change) bool, error) {
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy:
		return func(c Change) bool { return c.Table == "organizations" }, nil
	case query.KindWorkspaces:
		return func(c Change) bool {
			return c.Table == "workspaces" || c.Table == "organization_members" || c.Table == "organizations"
		}, nil
	case query.KindPulseLog:
		return func(c Change) bool {
			if c.OrganizationID != sig.OrganizationID {
				return false
			}
			return c.Table == "pulse_log" || c.Table == "organization_members" || c.Table == "organizations"
		}, nil
	default:
		return nil, fmt.Errorf("unsupported query kind %q", sig.Kind)
	}
}

func sameDocuments(a, b []json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
