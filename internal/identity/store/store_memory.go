package store

import (
	"context"
	"sync"
	"time"

	"unify/internal/identity/models"
	"unify/internal/identity/normalize"
	id "unify/pkg/domain"
	"unify/pkg/platform/sentinel"
)

// Memory is the in-memory Store used by tests and single-node development.
// A coarse RWMutex keeps every mutation all-or-nothing; the resolved-root
// cache lives beside the persisted chain and is read-time only.
type Memory struct {
	mu         sync.RWMutex
	profiles   map[id.ProfileID]*models.Profile
	idents     map[id.IdentifierID]*models.Identifier
	byKey      map[models.IdentifierKey]id.IdentifierID
	byProfile  map[id.ProfileID]map[id.IdentifierID]struct{}
	mergeLogs  map[id.MergeLogID]*models.MergeLogEntry
	logOrder   []id.MergeLogID
	activities []models.Activity
	events     map[string]struct{}

	// roots caches chain resolution results; persisted merged_into values are
	// never repointed. Entries are validated against the live profile before
	// use and the whole cache is dropped on rollback.
	roots sync.Map
}

// NewMemory constructs an empty in-memory identity graph store.
func NewMemory() *Memory {
	return &Memory{
		profiles:  make(map[id.ProfileID]*models.Profile),
		idents:    make(map[id.IdentifierID]*models.Identifier),
		byKey:     make(map[models.IdentifierKey]id.IdentifierID),
		byProfile: make(map[id.ProfileID]map[id.IdentifierID]struct{}),
		mergeLogs: make(map[id.MergeLogID]*models.MergeLogEntry),
		events:    make(map[string]struct{}),
	}
}

func (m *Memory) FindActiveProfileByIdentifier(ctx context.Context, idType models.IdentifierType, hash string) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	identID, ok := m.byKey[models.IdentifierKey{Type: idType, Hash: hash}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	ident := m.idents[identID]
	root, err := m.resolveRootLocked(ident.ProfileID)
	if err != nil {
		return nil, err
	}
	return root.Clone(), nil
}

func (m *Memory) GetProfile(ctx context.Context, profileID id.ProfileID) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, err := m.resolveRootLocked(profileID)
	if err != nil {
		return nil, err
	}
	return root.Clone(), nil
}

// resolveRootLocked follows merged_into pointers to the active root, using
// the cache when its entry still points at an active profile.
func (m *Memory) resolveRootLocked(profileID id.ProfileID) (*models.Profile, error) {
	if cached, ok := m.roots.Load(profileID); ok {
		if p, exists := m.profiles[cached.(id.ProfileID)]; exists && !p.Merged {
			return p, nil
		}
		m.roots.Delete(profileID)
	}

	current, ok := m.profiles[profileID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	for depth := 0; current.Merged; depth++ {
		if depth >= maxChainDepth || current.MergedInto == nil {
			return nil, sentinel.ErrInvalidState
		}
		next, ok := m.profiles[*current.MergedInto]
		if !ok {
			return nil, sentinel.ErrInvalidState
		}
		current = next
	}
	m.roots.Store(profileID, current.ID)
	return current, nil
}

func (m *Memory) CreateProfile(ctx context.Context, params CreateProfileParams) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range params.Identifiers {
		if _, taken := m.byKey[models.IdentifierKey{Type: n.Type, Hash: n.Hash}]; taken {
			return nil, ErrDuplicateIdentifier
		}
	}

	now := time.Now().UTC()
	seen := params.SeenAt
	if seen.IsZero() {
		seen = now
	}
	profile := &models.Profile{
		ID:          id.NewProfileID(),
		DisplayName: params.DisplayName,
		FirstSeenAt: seen,
		LastSeenAt:  seen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.profiles[profile.ID] = profile
	m.byProfile[profile.ID] = make(map[id.IdentifierID]struct{})

	for _, n := range params.Identifiers {
		m.attachLocked(profile, n, now)
	}
	return profile.Clone(), nil
}

// attachLocked inserts an identifier row for an active profile and keeps the
// primary phone/email attributes fresh.
func (m *Memory) attachLocked(profile *models.Profile, n normalize.Normalized, now time.Time) *models.Identifier {
	ident := &models.Identifier{
		ID:        id.NewIdentifierID(),
		ProfileID: profile.ID,
		Type:      n.Type,
		Value:     n.Value,
		Hash:      n.Hash,
		CreatedAt: now,
	}
	m.idents[ident.ID] = ident
	m.byKey[ident.Key()] = ident.ID
	m.byProfile[profile.ID][ident.ID] = struct{}{}

	switch n.Type {
	case models.IdentifierPhone:
		if profile.PrimaryPhone == "" {
			profile.PrimaryPhone = n.Value
		}
	case models.IdentifierEmail:
		if profile.PrimaryEmail == "" {
			profile.PrimaryEmail = n.Value
		}
	}
	profile.UpdatedAt = now
	return ident
}

func (m *Memory) AttachIdentifier(ctx context.Context, profileID id.ProfileID, n normalize.Normalized) (*models.Identifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[profileID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if profile.Merged {
		return nil, sentinel.ErrInvalidState
	}

	if existingID, taken := m.byKey[models.IdentifierKey{Type: n.Type, Hash: n.Hash}]; taken {
		existing := m.idents[existingID]
		// Ownership follows the merge chain: a row whose direct owner was
		// absorbed belongs to the active root.
		owner, err := m.resolveRootLocked(existing.ProfileID)
		if err != nil {
			return nil, err
		}
		if owner.ID == profileID {
			return cloneIdentifier(existing), nil
		}
		return nil, ErrOwnedElsewhere
	}

	ident := m.attachLocked(profile, n, time.Now().UTC())
	return cloneIdentifier(ident), nil
}

func (m *Memory) ListIdentifiers(ctx context.Context, profileID id.ProfileID) ([]models.Identifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.profiles[profileID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	owned := m.byProfile[profileID]
	out := make([]models.Identifier, 0, len(owned))
	for identID := range owned {
		out = append(out, *m.idents[identID])
	}
	return out, nil
}

func (m *Memory) RecordActivity(ctx context.Context, params RecordActivityParams) error {
	if err := ctx.Err(); err != nil {
		return sentinel.ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[params.ProfileID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if profile.Merged {
		return sentinel.ErrInvalidState
	}
	if _, ok := m.idents[params.IdentifierID]; !ok {
		return sentinel.ErrNotFound
	}
	if params.EventID != "" {
		if _, seen := m.events[params.EventID]; seen {
			return nil
		}
		m.events[params.EventID] = struct{}{}
	}

	m.activities = append(m.activities, models.Activity{
		ID:           id.NewActivityID(),
		ProfileID:    params.ProfileID,
		IdentifierID: params.IdentifierID,
		EventID:      params.EventID,
		Orders:       params.Orders,
		Spend:        params.Spend,
		OccurredAt:   params.OccurredAt,
	})

	profile.TotalOrders += params.Orders
	profile.TotalSpent += params.Spend
	if params.OccurredAt.After(profile.LastSeenAt) {
		profile.LastSeenAt = params.OccurredAt
	}
	if params.Orders > 0 {
		if profile.LastPurchaseAt == nil || params.OccurredAt.After(*profile.LastPurchaseAt) {
			t := params.OccurredAt
			profile.LastPurchaseAt = &t
		}
	}
	if params.DisplayName != "" && profile.DisplayName == "" {
		profile.DisplayName = params.DisplayName
	}
	profile.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ApplyMerge(ctx context.Context, params MergeParams) (*models.MergeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if params.SourceID == params.TargetID {
		return nil, ErrInvalidMergeTarget
	}
	source, ok := m.profiles[params.SourceID]
	if !ok || source.Merged {
		return nil, ErrInvalidMergeTarget
	}
	target, ok := m.profiles[params.TargetID]
	if !ok || target.Merged {
		return nil, ErrInvalidMergeTarget
	}

	at := params.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var moved []id.IdentifierID
	for identID := range m.byProfile[source.ID] {
		ident := m.idents[identID]
		key := ident.Key()
		if survivingID, taken := m.byKey[key]; taken && m.idents[survivingID].ProfileID == target.ID {
			// Target already owns this (type, hash): drop the duplicate row,
			// re-pointing its activity history at the surviving identifier so
			// rollback re-derivation stays correct.
			m.repointActivitiesLocked(identID, survivingID)
			delete(m.idents, identID)
			delete(m.byProfile[source.ID], identID)
			continue
		}
		ident.ProfileID = target.ID
		m.byKey[key] = identID
		m.byProfile[target.ID][identID] = struct{}{}
		delete(m.byProfile[source.ID], identID)
		moved = append(moved, identID)
	}

	target.TotalOrders += source.TotalOrders
	target.TotalSpent += source.TotalSpent
	if source.FirstSeenAt.Before(target.FirstSeenAt) {
		target.FirstSeenAt = source.FirstSeenAt
	}
	if source.LastSeenAt.After(target.LastSeenAt) {
		target.LastSeenAt = source.LastSeenAt
	}
	if source.LastPurchaseAt != nil &&
		(target.LastPurchaseAt == nil || source.LastPurchaseAt.After(*target.LastPurchaseAt)) {
		t := *source.LastPurchaseAt
		target.LastPurchaseAt = &t
	}
	if target.DisplayName == "" {
		target.DisplayName = source.DisplayName
	}
	if target.PrimaryPhone == "" {
		target.PrimaryPhone = source.PrimaryPhone
	}
	if target.PrimaryEmail == "" {
		target.PrimaryEmail = source.PrimaryEmail
	}

	// Source metrics stay frozen at their merge-time values for audit; the
	// merged flag excludes them from every live read.
	source.Merged = true
	targetID := target.ID
	source.MergedInto = &targetID
	source.UpdatedAt = at
	target.UpdatedAt = at

	entry := &models.MergeLogEntry{
		ID:               id.NewMergeLogID(),
		SourceID:         source.ID,
		TargetID:         target.ID,
		MergeType:        params.MergeType,
		Confidence:       params.Confidence,
		Reason:           params.Reason,
		MovedIdentifiers: moved,
		CreatedAt:        at,
	}
	m.mergeLogs[entry.ID] = entry
	m.logOrder = append(m.logOrder, entry.ID)

	return cloneMergeLog(entry), nil
}

func (m *Memory) repointActivitiesLocked(from, to id.IdentifierID) {
	for i := range m.activities {
		if m.activities[i].IdentifierID == from {
			m.activities[i].IdentifierID = to
		}
	}
}

func (m *Memory) ApplyRollback(ctx context.Context, mergeLogID id.MergeLogID, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return sentinel.ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.mergeLogs[mergeLogID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if entry.RolledBack {
		return ErrAlreadyRolledBack
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	source := m.profiles[entry.SourceID]
	target := m.profiles[entry.TargetID]

	source.Merged = false
	source.MergedInto = nil

	// Move back only identifiers from the recorded merge-time set that the
	// target still owns; identifiers the target gained afterwards stay put.
	for _, identID := range entry.MovedIdentifiers {
		ident, exists := m.idents[identID]
		if !exists || ident.ProfileID != target.ID {
			continue
		}
		ident.ProfileID = source.ID
		m.byProfile[source.ID][identID] = struct{}{}
		delete(m.byProfile[target.ID], identID)
	}

	m.rederiveMetricsLocked(source, at)
	m.rederiveMetricsLocked(target, at)

	entry.RolledBack = true
	entry.RolledBackAt = &at
	entry.RollbackReason = reason

	// The source is active again: every cached root derived through this
	// chain is stale.
	m.roots.Range(func(k, _ any) bool {
		m.roots.Delete(k)
		return true
	})
	return nil
}

// rederiveMetricsLocked recomputes a profile's aggregates from the activity
// history of its currently-owned identifiers. Naive subtraction is wrong
// here: the profile may have accrued independent activity since the merge.
func (m *Memory) rederiveMetricsLocked(profile *models.Profile, at time.Time) {
	owned := m.byProfile[profile.ID]

	profile.TotalOrders = 0
	profile.TotalSpent = 0
	profile.LastPurchaseAt = nil
	first := profile.CreatedAt
	last := profile.CreatedAt

	for i := range m.activities {
		act := &m.activities[i]
		if _, ok := owned[act.IdentifierID]; !ok {
			continue
		}
		profile.TotalOrders += act.Orders
		profile.TotalSpent += act.Spend
		if act.OccurredAt.Before(first) {
			first = act.OccurredAt
		}
		if act.OccurredAt.After(last) {
			last = act.OccurredAt
		}
		if act.Orders > 0 {
			if profile.LastPurchaseAt == nil || act.OccurredAt.After(*profile.LastPurchaseAt) {
				t := act.OccurredAt
				profile.LastPurchaseAt = &t
			}
		}
	}
	profile.FirstSeenAt = first
	profile.LastSeenAt = last
	profile.UpdatedAt = at
}

func (m *Memory) GetMergeLog(ctx context.Context, mergeLogID id.MergeLogID) (*models.MergeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.mergeLogs[mergeLogID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneMergeLog(entry), nil
}

func (m *Memory) ListMergeLogs(ctx context.Context, filter MergeLogFilter) ([]models.MergeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.ErrTimeout
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.MergeLogEntry, 0)
	for i := len(m.logOrder) - 1; i >= 0; i-- {
		entry := m.mergeLogs[m.logOrder[i]]
		if !matchesFilter(entry, filter) {
			continue
		}
		out = append(out, *cloneMergeLog(entry))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(entry *models.MergeLogEntry, filter MergeLogFilter) bool {
	if filter.ProfileID != nil && entry.SourceID != *filter.ProfileID && entry.TargetID != *filter.ProfileID {
		return false
	}
	if filter.MergeType != "" && entry.MergeType != filter.MergeType {
		return false
	}
	if filter.RolledBack != nil && entry.RolledBack != *filter.RolledBack {
		return false
	}
	return true
}

func cloneIdentifier(ident *models.Identifier) *models.Identifier {
	cp := *ident
	return &cp
}

func cloneMergeLog(entry *models.MergeLogEntry) *models.MergeLogEntry {
	cp := *entry
	cp.MovedIdentifiers = append([]id.IdentifierID(nil), entry.MovedIdentifiers...)
	if entry.RolledBackAt != nil {
		t := *entry.RolledBackAt
		cp.RolledBackAt = &t
	}
	return &cp
}
