// Package query derives the live queries a dashboard should hold open from its
// reactive inputs, and defines the contract live-query backends implement.
package query

import (
	"fmt"
	"strconv"
)

// Kind tags the shape of a live query.
type Kind string

const (
	KindOrganizationsOwnedBy Kind = "organizations.owned_by"
	KindWorkspaces           Kind = "workspaces"
	KindPulseLog             Kind = "pulse_log"
)

// Slot is one logical live-query binding. Each slot holds at most one
// subscription at a time.
type Slot string

const (
	SlotOrganizations Slot = "organizations"
	SlotWorkspaces    Slot = "workspaces"
	SlotPulseLog      Slot = "pulse_log"
)

// Slots lists every slot in a stable order.
var Slots = []Slot{SlotOrganizations, SlotWorkspaces, SlotPulseLog}

const DefaultPulseLogLimit = 20

// Signature identifies one live query. It is a comparable value: two
// signatures are equal iff all fields are equal, so it can be used as a map
// key and compared with == for change detection.
type Signature struct {
	Kind           Kind   `json:"kind"`
	OwnerID        string `json:"owner_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	OrderBy        string `json:"order_by,omitempty"`
	Descending     bool   `json:"descending,omitempty"`
}

// Resource is the resource path reported when access to the query is denied.
func (s Signature) Resource() string {
	switch s.Kind {
	case KindOrganizationsOwnedBy:
		return "organizations"
	case KindWorkspaces:
		return "workspaces"
	case KindPulseLog:
		return "organizations/" + s.OrganizationID + "/pulse_log"
	default:
		return string(s.Kind)
	}
}

// Key renders the signature as a stable string for logs and metrics labels.
func (s Signature) Key() string {
	key := string(s.Kind)
	if s.OwnerID != "" {
		key += " owner=" + s.OwnerID
	}
	if s.OrganizationID != "" {
		key += " org=" + s.OrganizationID
	}
	if s.Limit > 0 {
		key += " limit=" + strconv.Itoa(s.Limit)
	}
	if s.OrderBy != "" {
		direction := "asc"
		if s.Descending {
			direction = "desc"
		}
		key += fmt.Sprintf(" order=%s:%s", s.OrderBy, direction)
	}
	return key
}

// Inputs are the reactive values signatures are derived from. Empty strings
// mean "absent".
type Inputs struct {
	UserID               string `json:"user_id"`
	ActiveOrganizationID string `json:"active_organization_id"`
}

// Set maps each slot to its current signature. A slot missing from the set
// has no query and must be unsubscribed.
type Set map[Slot]Signature

// Lookup returns the slot's signature, or nil when the slot has none.
func (s Set) Lookup(slot Slot) *Signature {
	sig, ok := s[slot]
	if !ok {
		return nil
	}
	return &sig
}

// Resolver turns Inputs into the canonical Set. It is pure and cheap enough
// to call on every input change.
type Resolver struct {
	PulseLogLimit int
}

func (r Resolver) Resolve(in Inputs) Set {
	set := make(Set, len(Slots))
	if in.UserID == "" {
		return set
	}
	set[SlotOrganizations] = Signature{
		Kind:    KindOrganizationsOwnedBy,
		OwnerID: in.UserID,
	}
	set[SlotWorkspaces] = Signature{Kind: KindWorkspaces}
	if in.ActiveOrganizationID != "" {
		limit := r.PulseLogLimit
		if limit <= 0 {
			limit = DefaultPulseLogLimit
		}
		set[SlotPulseLog] = Signature{
			Kind:           KindPulseLog,
			OrganizationID: in.ActiveOrganizationID,
			Limit:          limit,
			OrderBy:        "created_at",
			Descending:     true,
		}
	}
	return set
}
