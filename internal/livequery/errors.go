package livequery

import (
	"fmt"
	"time"

	"pulseboard/api/internal/errbus"
	"pulseboard/api/internal/query"
)

const (
	TopicPermissionDenied errbus.Topic = "permission-denied"
	TopicDeliveryFailed   errbus.Topic = "delivery-failed"
)

// OperationList is the operation reported for denied live queries.
const OperationList = "list"

// PermissionError reports a live query the caller was not allowed to run.
// Only the Manager constructs it; it is immutable.
type PermissionError struct {
	slot      query.Slot
	resource  string
	operation string
	timestamp time.Time
	cause     error
}

func newPermissionError(slot query.Slot, sig query.Signature, at time.Time, cause error) *PermissionError {
	return &PermissionError{
		slot:      slot,
		resource:  sig.Resource(),
		operation: OperationList,
		timestamp: at,
		cause:     cause,
	}
}

func (e *PermissionError) Slot() query.Slot     { return e.slot }
func (e *PermissionError) Resource() string     { return e.resource }
func (e *PermissionError) Operation() string    { return e.operation }
func (e *PermissionError) Timestamp() time.Time { return e.timestamp }
func (e *PermissionError) Unwrap() error        { return e.cause }

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s %s", e.operation, e.resource)
}

// DeliveryError reports any other live-query failure: transport errors and
// snapshots carrying malformed records.
type DeliveryError struct {
	slot      query.Slot
	signature query.Signature
	timestamp time.Time
	cause     error
}

func newDeliveryError(slot query.Slot, sig query.Signature, at time.Time, cause error) *DeliveryError {
	return &DeliveryError{slot: slot, signature: sig, timestamp: at, cause: cause}
}

func (e *DeliveryError) Slot() query.Slot           { return e.slot }
func (e *DeliveryError) Signature() query.Signature { return e.signature }
func (e *DeliveryError) Resource() string           { return e.signature.Resource() }
func (e *DeliveryError) Timestamp() time.Time       { return e.timestamp }
func (e *DeliveryError) Unwrap() error              { return e.cause }

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("live query %s: %v", e.signature.Key(), e.cause)
}

// OnPermissionDenied subscribes fn to denial events.
func OnPermissionDenied(bus *errbus.Bus, fn func(*PermissionError)) (release func()) {
	return bus.Subscribe(TopicPermissionDenied, func(event any) {
		if err, ok := event.(*PermissionError); ok {
			fn(err)
		}
	})
}

// OnDeliveryFailed subscribes fn to delivery failures.
func OnDeliveryFailed(bus *errbus.Bus, fn func(*DeliveryError)) (release func()) {
	return bus.Subscribe(TopicDeliveryFailed, func(event any) {
		if err, ok := event.(*DeliveryError); ok {
			fn(err)
		}
	})
}
