// Package models defines the identity graph entities: profiles, identifiers,
// merge log entries, and the activity records merges are unwound from.
package models

import (
	"time"

	id "unify/pkg/domain"
)

// IdentifierType enumerates the evidence kinds linking events to customers.
type IdentifierType string

const (
	IdentifierPhone   IdentifierType = "phone"
	IdentifierEmail   IdentifierType = "email"
	IdentifierDevice  IdentifierType = "device"
	IdentifierCookie  IdentifierType = "cookie"
	IdentifierLoyalty IdentifierType = "loyalty_id"
	IdentifierInvoice IdentifierType = "invoice_id"
)

// Valid reports whether t is a known identifier type.
func (t IdentifierType) Valid() bool {
	switch t {
	case IdentifierPhone, IdentifierEmail, IdentifierDevice,
		IdentifierCookie, IdentifierLoyalty, IdentifierInvoice:
		return true
	}
	return false
}

// MergeType records what triggered a merge.
type MergeType string

const (
	MergeAuto   MergeType = "auto"
	MergeManual MergeType = "manual"
	MergeSystem MergeType = "system"
)

// Profile is the resolved, canonical representation of one customer.
//
// A merged profile owns zero identifiers; its metrics are frozen at merge
// time and all live reads resolve through MergedInto to the active root.
type Profile struct {
	ID             id.ProfileID
	PrimaryPhone   string
	PrimaryEmail   string
	DisplayName    string
	TotalOrders    int64
	TotalSpent     float64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	LastPurchaseAt *time.Time
	Merged         bool
	MergedInto     *id.ProfileID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AvgOrderValue derives the average order value from the raw aggregates.
func (p *Profile) AvgOrderValue() float64 {
	if p.TotalOrders == 0 {
		return 0
	}
	return p.TotalSpent / float64(p.TotalOrders)
}

// LifetimeValue is the profile's total attributed spend.
func (p *Profile) LifetimeValue() float64 { return p.TotalSpent }

// Clone returns a deep copy so in-memory store reads never alias store state.
func (p *Profile) Clone() *Profile {
	cp := *p
	if p.LastPurchaseAt != nil {
		t := *p.LastPurchaseAt
		cp.LastPurchaseAt = &t
	}
	if p.MergedInto != nil {
		m := *p.MergedInto
		cp.MergedInto = &m
	}
	return &cp
}

// Identifier is one (type, canonical value, hash) tuple owned by exactly one
// active profile at any instant.
type Identifier struct {
	ID        id.IdentifierID
	ProfileID id.ProfileID
	Type      IdentifierType
	Value     string
	Hash      string
	CreatedAt time.Time
}

// Key returns the ownership-uniqueness key for the identifier.
func (i Identifier) Key() IdentifierKey {
	return IdentifierKey{Type: i.Type, Hash: i.Hash}
}

// IdentifierKey is the (type, hash) pair that must be unique among active
// owners.
type IdentifierKey struct {
	Type IdentifierType
	Hash string
}

// MergeLogEntry is the immutable audit record of one merge. Only the
// rollback fields may change, exactly once.
type MergeLogEntry struct {
	ID               id.MergeLogID
	SourceID         id.ProfileID
	TargetID         id.ProfileID
	MergeType        MergeType
	Confidence       float64
	Reason           string
	MovedIdentifiers []id.IdentifierID
	CreatedAt        time.Time
	RolledBack       bool
	RolledBackAt     *time.Time
	RollbackReason   string
}

// Activity is one attributed event's contribution to a profile's metrics,
// keyed by the identifier that matched it. Rollback re-derives target metrics
// from activities instead of subtracting, since the target may have accrued
// independent activity after the merge.
type Activity struct {
	ID           id.ActivityID
	ProfileID    id.ProfileID
	IdentifierID id.IdentifierID
	// EventID is the producer-assigned event identity; empty for events
	// whose source does not deduplicate.
	EventID    string
	Orders     int64
	Spend      float64
	OccurredAt time.Time
}
