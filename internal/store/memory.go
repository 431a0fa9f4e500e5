package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Memory is an in-process Store. Values are copied in and out so callers
// never share state with the maps.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string]webhook.Subscription
	logs    map[string]webhook.DeliveryLog
	byEvent map[string]string // subscription id + event id -> log id
}

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string]webhook.Subscription),
		logs:    make(map[string]webhook.DeliveryLog),
		byEvent: make(map[string]string),
	}
}

func eventKey(subscriptionID, eventID string) string {
	return subscriptionID + "\x00" + eventID
}

func cloneSub(s webhook.Subscription) webhook.Subscription {
	s.Headers = s.Headers.Clone()
	s.RetryDelays = append([]time.Duration(nil), s.RetryDelays...)
	return s
}

func (m *Memory) CreateSubscription(_ context.Context, sub *webhook.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrConflict)
	}
	m.subs[sub.ID] = cloneSub(*sub)
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, tenantID, id string) (*webhook.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok || s.Deleted || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := cloneSub(s)
	return &out, nil
}

// SubscriptionByID returns deleted subscriptions too so in-flight work can
// observe that they are gone.
func (m *Memory) SubscriptionByID(_ context.Context, id string) (*webhook.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSub(s)
	return &out, nil
}

func (m *Memory) list(tenantID string, activeOnly bool) []webhook.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]webhook.Subscription, 0)
	for _, s := range m.subs {
		if s.TenantID != tenantID || s.Deleted {
			continue
		}
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, cloneSub(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) ListSubscriptions(_ context.Context, tenantID string) ([]webhook.Subscription, error) {
	return m.list(tenantID, false), nil
}

func (m *Memory) ListActiveSubscriptions(_ context.Context, tenantID string) ([]webhook.Subscription, error) {
	return m.list(tenantID, true), nil
}

func (m *Memory) UpdateSubscription(_ context.Context, sub *webhook.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok || cur.Deleted || cur.TenantID != sub.TenantID {
		return ErrNotFound
	}
	cur.Name = sub.Name
	cur.Description = sub.Description
	cur.URL = sub.URL
	cur.ContentType = sub.ContentType
	cur.Headers = sub.Headers.Clone()
	cur.Timeout = sub.Timeout
	cur.EventFilter = sub.EventFilter
	if sub.Secret != "" {
		cur.Secret = sub.Secret
	}
	cur.RetryDelays = append([]time.Duration(nil), sub.RetryDelays...)
	cur.MaxRetries = sub.MaxRetries
	cur.DisableAfterFailures = sub.DisableAfterFailures
	cur.UpdatedAt = sub.UpdatedAt
	m.subs[sub.ID] = cur
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, tenantID, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.Deleted || s.TenantID != tenantID {
		return ErrNotFound
	}
	s.Deleted = true
	s.Active = false
	s.UpdatedAt = now
	m.subs[id] = s
	return nil
}

func (m *Memory) SetActive(_ context.Context, tenantID, id string, active bool, reason string, now time.Time) (*webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.Deleted || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if active {
		s.Active = true
		s.ConsecutiveFailures = 0
		s.DisabledAt = nil
		s.DisabledReason = ""
	} else {
		s.Active = false
		s.DisabledAt = webhook.TimePtr(now)
		s.DisabledReason = reason
	}
	s.UpdatedAt = now
	m.subs[id] = s
	out := cloneSub(s)
	return &out, nil
}

func (m *Memory) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.SuccessCount++
	s.LastSuccessAt = webhook.TimePtr(at)
	s.ConsecutiveFailures = 0
	s.UpdatedAt = at
	m.subs[id] = s
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, id string, at time.Time, msg string, terminal bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	s.FailureCount++
	s.LastFailureAt = webhook.TimePtr(at)
	s.LastError = msg
	s.UpdatedAt = at
	tripped := false
	if terminal {
		s.ConsecutiveFailures++
		if s.Active && webhook.ShouldDisable(s.ConsecutiveFailures, s.DisableAfterFailures) {
			s.Active = false
			s.DisabledAt = webhook.TimePtr(at)
			s.DisabledReason = webhook.DisabledReason(s.ConsecutiveFailures)
			tripped = true
		}
	}
	m.subs[id] = s
	return tripped, nil
}

func (m *Memory) CreateDeliveryLog(_ context.Context, log *webhook.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(log.SubscriptionID, log.EventID)
	if _, ok := m.byEvent[key]; ok {
		return ErrDuplicate
	}
	if _, ok := m.logs[log.ID]; ok {
		return fmt.Errorf("delivery %s: %w", log.ID, ErrConflict)
	}
	if log.Version == 0 {
		log.Version = 1
	}
	m.logs[log.ID] = log.Clone()
	m.byEvent[key] = log.ID
	return nil
}

func (m *Memory) GetDeliveryLog(_ context.Context, tenantID, id string) (*webhook.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[id]
	if !ok || l.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := l.Clone()
	return &out, nil
}

func (m *Memory) DeliveryLogByID(_ context.Context, id string) (*webhook.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := l.Clone()
	return &out, nil
}

func (m *Memory) ListDeliveryLogs(_ context.Context, tenantID, subscriptionID string, page, pageSize int) ([]webhook.DeliveryLog, error) {
	offset, limit, inRange := pageWindow(page, pageSize)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[subscriptionID]
	if !ok || s.Deleted || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	var all []webhook.DeliveryLog
	for _, l := range m.logs {
		if l.SubscriptionID == subscriptionID {
			all = append(all, l)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	out := []webhook.DeliveryLog{}
	if !inRange {
		return out, nil
	}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

func (m *Memory) ClaimDelivery(_ context.Context, id string, version int64, now time.Time) (*webhook.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Version != version || !l.Status.Claimable() {
		return nil, ErrConflict
	}
	l.Status = webhook.StatusInFlight
	l.ClaimedAt = webhook.TimePtr(now)
	l.Version++
	l.UpdatedAt = now
	m.logs[id] = l
	out := l.Clone()
	return &out, nil
}

func (m *Memory) SaveAttempt(_ context.Context, log *webhook.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[log.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != log.Version || cur.Status != webhook.StatusInFlight {
		return ErrConflict
	}
	log.Version++
	m.logs[log.ID] = log.Clone()
	return nil
}

func (m *Memory) CancelDelivery(_ context.Context, id string, version int64, msg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Version != version || l.Status != webhook.StatusRetrying {
		return ErrConflict
	}
	l.Status = webhook.StatusCancelled
	l.NextRetryAt = nil
	l.ClaimedAt = nil
	l.ErrorMessage = msg
	l.Version++
	l.UpdatedAt = now
	m.logs[id] = l
	return nil
}

func (m *Memory) RequeueDelivery(_ context.Context, id string, version int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Version != version || l.Status != webhook.StatusPending {
		return ErrConflict
	}
	l.Status = webhook.StatusRetrying
	l.NextRetryAt = webhook.TimePtr(now)
	l.Version++
	l.UpdatedAt = now
	m.logs[id] = l
	return nil
}

func (m *Memory) DueRetries(_ context.Context, now time.Time, limit int) ([]webhook.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []webhook.DeliveryLog
	for _, l := range m.logs {
		if l.Status == webhook.StatusRetrying && l.NextRetryAt != nil && !l.NextRetryAt.After(now) {
			due = append(due, l)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]webhook.DeliveryLog, len(due))
	for i, l := range due {
		out[i] = l.Clone()
	}
	return out, nil
}

func (m *Memory) ReleaseStaleClaims(_ context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.logs {
		staleClaim := l.Status == webhook.StatusInFlight && l.ClaimedAt != nil && l.ClaimedAt.Before(olderThan)
		stalePending := l.Status == webhook.StatusPending && l.CreatedAt.Before(olderThan)
		if !staleClaim && !stalePending {
			continue
		}
		l.Status = webhook.StatusRetrying
		l.ClaimedAt = nil
		l.NextRetryAt = webhook.TimePtr(now)
		l.Version++
		l.UpdatedAt = now
		m.logs[id] = l
		n++
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
