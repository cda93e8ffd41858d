package query

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPermissionDenied is wrapped by backends when the caller is not allowed to
// run a query. Anything else reaching an ErrorFunc is a delivery failure.
var ErrPermissionDenied = errors.New("permission denied")

// SnapshotFunc receives the full, ordered result of a live query. Documents
// are untyped; consumers validate them before use.
type SnapshotFunc func(docs []json.RawMessage)

// ErrorFunc receives failures of a live query.
type ErrorFunc func(err error)

// Cancel stops a subscription. It may finish asynchronously; callers must
// tolerate deliveries racing with it.
type Cancel func()

// Backend opens live queries. Implementations deliver snapshots for a single
// subscription sequentially, never concurrently. Subscribe returns an error
// when the query cannot be established at all.
type Backend interface {
	Subscribe(ctx context.Context, sig Signature, onSnapshot SnapshotFunc, onError ErrorFunc) (Cancel, error)
}
