package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	causingEvents map[uuid.UUID]*models.CausingEvent
	errors        map[uuid.UUID]*models.Error
	resends       map[uuid.UUID]*models.ScheduledResend
	groups        map[uuid.UUID]*models.ErrorGroup
	auditLogs     map[uuid.UUID]*models.AuditLog
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		causingEvents: make(map[uuid.UUID]*models.CausingEvent),
		errors:        make(map[uuid.UUID]*models.Error),
		resends:       make(map[uuid.UUID]*models.ScheduledResend),
		groups:        make(map[uuid.UUID]*models.ErrorGroup),
		auditLogs:     make(map[uuid.UUID]*models.AuditLog),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Counts returns the number of rows per table, for assertions in tests.
func (m *Store) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"causing_events":    len(m.causingEvents),
		"errors":            len(m.errors),
		"scheduled_resends": len(m.resends),
		"error_groups":      len(m.groups),
		"audit_logs":        len(m.auditLogs),
	}
}

// ──────────────────────────────────────────────────
// Causing events
// ──────────────────────────────────────────────────

func (m *Store) SaveCausingEvent(_ context.Context, ev *models.CausingEvent) (*models.CausingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.causingEvents {
		if existing.Metadata.ID == ev.Metadata.ID {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *ev
	m.causingEvents[ev.ID] = &cp
	return ev, nil
}

func (m *Store) GetCausingEvent(_ context.Context, id uuid.UUID) (*models.CausingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.causingEvents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Errors
// ──────────────────────────────────────────────────

func (m *Store) CreateError(_ context.Context, e *models.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.errors[e.ID]; exists {
		return store.ErrDuplicateKey
	}
	cp := *e
	m.errors[e.ID] = &cp
	return nil
}

func (m *Store) GetError(_ context.Context, id uuid.UUID) (*models.Error, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.errors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Store) UpdateError(_ context.Context, e *models.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.errors[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != e.Version {
		return store.ErrConcurrentModification
	}
	cur.State = e.State
	cur.ManualTaskID = e.ManualTaskID
	cur.ClosingReason = e.ClosingReason
	cur.ErrorGroupID = e.ErrorGroupID
	cur.Modified = e.Modified
	cur.Version++
	e.Version = cur.Version
	return nil
}

func (m *Store) sortedErrors(match func(*models.Error) bool) []*models.Error {
	var out []*models.Error
	for _, e := range m.errors {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *Store) ListErrors(_ context.Context, filter store.ErrorFilter) ([]*models.Error, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	all := m.sortedErrors(func(e *models.Error) bool {
		return filter.State == nil || e.State == *filter.State
	})
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	start := (filter.Page - 1) * filter.Limit
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := min(start+filter.Limit, len(all))
	return all[start:end], len(all), nil
}

func (m *Store) ErrorsByState(_ context.Context, state models.ErrorState, limit int) ([]*models.Error, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedErrors(func(e *models.Error) bool { return e.State == state })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) CountErrorsForCausingEvent(_ context.Context, causingEventID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.errors {
		if e.CausingEventID == causingEventID {
			n++
		}
	}
	return n, nil
}

func (m *Store) ExistsErrorWithIdempotenceID(_ context.Context, idempotenceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.errors {
		if e.ErrorEventMetadata.IdempotenceID == idempotenceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) CountErrorsByState(_ context.Context) (map[models.ErrorState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.ErrorState]int)
	for _, e := range m.errors {
		counts[e.State]++
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// Scheduled resends
// ──────────────────────────────────────────────────

func (m *Store) CreateScheduledResend(_ context.Context, sr *models.ScheduledResend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sr
	m.resends[sr.ID] = &cp
	return nil
}

func (m *Store) sortedResends(match func(*models.ScheduledResend) bool) []*models.ScheduledResend {
	var out []*models.ScheduledResend
	for _, r := range m.resends {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResendAt.Equal(out[j].ResendAt) {
			return out[i].ResendAt.Before(out[j].ResendAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *Store) NextScheduledResend(_ context.Context, errorID uuid.UUID) (*models.ScheduledResend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedResends(func(r *models.ScheduledResend) bool {
		return r.ErrorID == errorID && r.Active()
	})
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out[0], nil
}

func (m *Store) DueScheduledResends(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledResend, error) {
	return m.DueScheduledResendsAfter(ctx, now, models.ResendCursor{}, limit)
}

func (m *Store) DueScheduledResendsAfter(_ context.Context, now time.Time, after models.ResendCursor, limit int) ([]*models.ScheduledResend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedResends(func(r *models.ScheduledResend) bool {
		return r.Active() && !r.ResendAt.After(now) && r.After(after)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) ListScheduledResends(_ context.Context, errorID uuid.UUID) ([]*models.ScheduledResend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedResends(func(r *models.ScheduledResend) bool { return r.ErrorID == errorID }), nil
}

func (m *Store) CancelScheduledResends(_ context.Context, errorID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.resends {
		if r.ErrorID == errorID && r.Active() {
			r.Cancelled = true
			n++
		}
	}
	return n, nil
}

func (m *Store) MarkResent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resends[id]
	if !ok {
		return store.ErrNotFound
	}
	r.ResentAt = &at
	return nil
}

// ──────────────────────────────────────────────────
// Error groups
// ──────────────────────────────────────────────────

func (m *Store) FindErrorGroup(_ context.Context, key models.ErrorGroupKey) (*models.ErrorGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Key() == key {
			cp := *g
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) CreateErrorGroup(_ context.Context, g *models.ErrorGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.Key() == g.Key() {
			return store.ErrDuplicateKey
		}
	}
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *Store) GetErrorGroup(_ context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Store) SetTicketNumber(_ context.Context, id uuid.UUID, ticketNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return store.ErrNotFound
	}
	if g.HasTicketNumber() {
		return store.ErrAlreadySet
	}
	now := time.Now().UTC()
	g.TicketNumber = &ticketNumber
	g.Modified = &now
	return nil
}

func (m *Store) UpdateErrorGroupFreeText(_ context.Context, id uuid.UUID, freeText *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	g.FreeText = freeText
	g.Modified = &now
	return nil
}

func (m *Store) CountErrorGroupsWithoutTicket(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, g := range m.groups {
		if !g.HasTicketNumber() {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Audit logs
// ──────────────────────────────────────────────────

func (m *Store) CreateAuditLog(_ context.Context, a *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.auditLogs[a.ID] = &cp
	return nil
}

func (m *Store) ListAuditLogs(_ context.Context, errorID uuid.UUID) ([]*models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditLog
	for _, a := range m.auditLogs {
		if a.ErrorID == errorID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// ──────────────────────────────────────────────────
// Housekeeping
// ──────────────────────────────────────────────────

func (m *Store) DeleteExpiredErrors(_ context.Context, states []models.ErrorState, olderThan time.Time, pageSize int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[models.ErrorState]bool, len(states))
	for _, st := range states {
		allowed[st] = true
	}
	page, more := pageOf(m.sortedErrors(func(e *models.Error) bool {
		return allowed[e.State] && e.Created.Before(olderThan)
	}), pageSize)

	for _, e := range page {
		for id, r := range m.resends {
			if r.ErrorID == e.ID {
				delete(m.resends, id)
			}
		}
		for id, a := range m.auditLogs {
			if a.ErrorID == e.ID {
				delete(m.auditLogs, id)
			}
		}
		delete(m.errors, e.ID)
	}
	return len(page), more, nil
}

func (m *Store) DeleteUnreferencedCausingEvents(_ context.Context, olderThan time.Time, pageSize int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[uuid.UUID]bool)
	for _, e := range m.errors {
		referenced[e.CausingEventID] = true
	}
	var orphans []*models.CausingEvent
	for _, ev := range m.causingEvents {
		if !referenced[ev.ID] && ev.Created.Before(olderThan) {
			orphans = append(orphans, ev)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Created.Before(orphans[j].Created) })
	page, more := pageOf(orphans, pageSize)
	for _, ev := range page {
		delete(m.causingEvents, ev.ID)
	}
	return len(page), more, nil
}

func (m *Store) DeleteUnreferencedErrorGroups(_ context.Context, olderThan time.Time, pageSize int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[uuid.UUID]bool)
	for _, e := range m.errors {
		if e.ErrorGroupID != nil {
			referenced[*e.ErrorGroupID] = true
		}
	}
	var orphans []*models.ErrorGroup
	for _, g := range m.groups {
		if !referenced[g.ID] && g.Created.Before(olderThan) {
			orphans = append(orphans, g)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Created.Before(orphans[j].Created) })
	page, more := pageOf(orphans, pageSize)
	for _, g := range page {
		delete(m.groups, g.ID)
	}
	return len(page), more, nil
}

func pageOf[T any](items []T, pageSize int) ([]T, bool) {
	if len(items) > pageSize {
		return items[:pageSize], true
	}
	return items, false
}
