// Package memory provides an in-memory implementation of billsync.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

type usageUnit struct {
	units int64
	at    time.Time
}

// Storage implements billsync.Store using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	subs    map[string]*billsync.Subscription  // tenant id -> record
	events  map[string]*billsync.EventLogEntry // provider event id -> entry
	entries map[string]string                  // entry id -> provider event id
	usage   map[string][]usageUnit             // tenant id -> units
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subs:    make(map[string]*billsync.Subscription),
		events:  make(map[string]*billsync.EventLogEntry),
		entries: make(map[string]string),
		usage:   make(map[string][]usageUnit),
	}
}

// UpsertSubscription stores a full record, as tenant onboarding would.
func (s *Storage) UpsertSubscription(_ context.Context, sub *billsync.Subscription) error {
	if sub == nil || sub.TenantID == "" {
		return fmt.Errorf("invalid subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueLocked(sub); err != nil {
		return err
	}
	s.subs[sub.TenantID] = sub.Clone()
	return nil
}

// RecordUsage appends usage units for a tenant.
func (s *Storage) RecordUsage(_ context.Context, tenantID string, units int64, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[tenantID] = append(s.usage[tenantID], usageUnit{units: units, at: at})
	return nil
}

// RecordEvent implements billsync.EventLog
func (s *Storage) RecordEvent(_ context.Context, eventID, eventType string, receivedAt time.Time) (*billsync.EventLogEntry, bool, error) {
	if eventID == "" {
		return nil, false, billsync.ErrInvalidEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[eventID]; ok {
		entryCopy := *existing
		return &entryCopy, false, nil
	}

	entry := &billsync.EventLogEntry{
		ID:         uuid.NewString(),
		EventID:    eventID,
		EventType:  eventType,
		Status:     billsync.EventReceived,
		ReceivedAt: receivedAt,
	}
	s.events[eventID] = entry
	s.entries[entry.ID] = eventID

	entryCopy := *entry
	return &entryCopy, true, nil
}

// MarkEvent implements billsync.EventLog
func (s *Storage) MarkEvent(_ context.Context, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(entryID, status, detail, at)
}

func (s *Storage) markLocked(entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	entry, err := s.entryLocked(entryID)
	if err != nil {
		return err
	}
	if !billsync.CanTransition(entry.Status, status) {
		return fmt.Errorf("%w: %s -> %s", billsync.ErrInvalidTransition, entry.Status, status)
	}
	entry.Status = status
	entry.Error = detail
	processedAt := at
	entry.ProcessedAt = &processedAt
	return nil
}

func (s *Storage) entryLocked(entryID string) (*billsync.EventLogEntry, error) {
	eventID, ok := s.entries[entryID]
	if !ok {
		return nil, billsync.ErrEventNotFound
	}
	return s.events[eventID], nil
}

// GetEvent implements billsync.EventLog
func (s *Storage) GetEvent(_ context.Context, eventID string) (*billsync.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.events[eventID]
	if !ok {
		return nil, billsync.ErrEventNotFound
	}
	entryCopy := *entry
	if entry.ProcessedAt != nil {
		t := *entry.ProcessedAt
		entryCopy.ProcessedAt = &t
	}
	return &entryCopy, nil
}

// GetByTenantID implements billsync.SubscriptionReader
func (s *Storage) GetByTenantID(_ context.Context, tenantID string) (*billsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, billsync.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetByCustomerID implements billsync.SubscriptionReader
func (s *Storage) GetByCustomerID(_ context.Context, customerID string) (*billsync.Subscription, error) {
	if customerID == "" {
		return nil, billsync.ErrSubscriptionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(func(sub *billsync.Subscription) bool { return sub.CustomerID == customerID })
}

// GetBySubscriptionID implements billsync.SubscriptionReader
func (s *Storage) GetBySubscriptionID(_ context.Context, subscriptionID string) (*billsync.Subscription, error) {
	if subscriptionID == "" {
		return nil, billsync.ErrSubscriptionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(func(sub *billsync.Subscription) bool { return sub.SubscriptionID == subscriptionID })
}

func (s *Storage) findLocked(match func(*billsync.Subscription) bool) (*billsync.Subscription, error) {
	for _, sub := range s.subs {
		if match(sub) {
			return sub.Clone(), nil
		}
	}
	return nil, billsync.ErrSubscriptionNotFound
}

// SumUsage implements billsync.UsageReader
func (s *Storage) SumUsage(_ context.Context, tenantID string, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, u := range s.usage[tenantID] {
		if u.at.After(from) && !u.at.After(to) {
			total += u.units
		}
	}
	return total, nil
}

// ListSyncCandidates implements billsync.Store
func (s *Storage) ListSyncCandidates(_ context.Context, tenantID string) ([]*billsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billsync.Subscription
	for _, sub := range s.subs {
		if tenantID != "" && sub.TenantID != tenantID {
			continue
		}
		if sub.SubscriptionID == "" || sub.MeterItemID == "" {
			continue
		}
		if sub.Status != billsync.StatusActive && sub.Status != billsync.StatusTrialing {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// AdvanceUsageMark implements billsync.Store
func (s *Storage) AdvanceUsageMark(_ context.Context, tenantID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return billsync.ErrSubscriptionNotFound
	}
	if sub.UsageSyncedUntil != nil && !sub.UsageSyncedUntil.Before(until) {
		return nil
	}
	mark := until
	sub.UsageSyncedUntil = &mark
	return nil
}

// SetCustomerID implements billsync.Store
func (s *Storage) SetCustomerID(_ context.Context, tenantID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return billsync.ErrSubscriptionNotFound
	}
	candidate := sub.Clone()
	candidate.CustomerID = customerID
	if err := s.checkUniqueLocked(candidate); err != nil {
		return err
	}
	sub.CustomerID = customerID
	return nil
}

// checkUniqueLocked mirrors the unique indexes of the durable store.
func (s *Storage) checkUniqueLocked(sub *billsync.Subscription) error {
	for tenantID, other := range s.subs {
		if tenantID == sub.TenantID {
			continue
		}
		if sub.CustomerID != "" && other.CustomerID == sub.CustomerID {
			return fmt.Errorf("customer id %s already belongs to tenant %s", sub.CustomerID, tenantID)
		}
		if sub.SubscriptionID != "" && other.SubscriptionID == sub.SubscriptionID {
			return fmt.Errorf("subscription id %s already belongs to tenant %s", sub.SubscriptionID, tenantID)
		}
	}
	return nil
}

// Count returns the number of event log entries. Intended for tests.
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
