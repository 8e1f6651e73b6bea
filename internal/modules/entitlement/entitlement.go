package entitlement

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

const StageName = "entitlement"

// KeyHeader carries the caller's premium key.
const KeyHeader = "X-Premium-Key"

// KeyRecord is one premium key and the features it grants.
type KeyRecord struct {
	Key        string    `json:"key"`
	Features   []string  `json:"features"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// Store resolves premium keys. The admission layer only reads keys and
// records usage; issuing them belongs to the application.
type Store interface {
	Lookup(ctx context.Context, key string) (*KeyRecord, error)
	MarkUsed(ctx context.Context, key string, at time.Time) error
}

// ConfigStore serves the keys listed in configuration.
type ConfigStore struct {
	mu   sync.RWMutex
	keys map[string]*KeyRecord
}

// NewConfigStore loads keys, stamping them with created.
func NewConfigStore(keys []core.PremiumKeyConfig, created time.Time) *ConfigStore {
	s := &ConfigStore{keys: make(map[string]*KeyRecord, len(keys))}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		s.keys[k.Key] = &KeyRecord{Key: k.Key, Features: slices.Clone(k.Features), CreatedAt: created}
	}
	return s
}

// Lookup returns a copy of the record for key, or nil.
func (s *ConfigStore) Lookup(_ context.Context, key string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Features = slices.Clone(rec.Features)
	return &cp, nil
}

func (s *ConfigStore) MarkUsed(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[key]; ok {
		rec.LastUsedAt = at
	}
	return nil
}

// Manager answers entitlement questions and guards premium routes.
type Manager struct {
	store  Store
	routes []premiumRoute
	now    func() time.Time
}

type premiumRoute struct {
	prefix  string
	feature string
}

// NewManager creates a Manager. routes maps a route prefix to the feature it
// requires; the longest matching prefix wins.
func NewManager(store Store, routes map[string]string) *Manager {
	m := &Manager{store: store, now: time.Now}
	for prefix, feature := range routes {
		m.routes = append(m.routes, premiumRoute{prefix: prefix, feature: feature})
	}
	sort.Slice(m.routes, func(i, j int) bool {
		if len(m.routes[i].prefix) != len(m.routes[j].prefix) {
			return len(m.routes[i].prefix) > len(m.routes[j].prefix)
		}
		return m.routes[i].prefix < m.routes[j].prefix
	})
	return m
}

// WithClock replaces the time source used for last_used_at.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Validate reports whether key exists and its features, updating its
// last use.
func (m *Manager) Validate(ctx context.Context, key string) (bool, []string, error) {
	if key == "" {
		return false, nil, nil
	}
	rec, err := m.store.Lookup(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("looking up premium key: %w", err)
	}
	if rec == nil {
		return false, nil, nil
	}
	if err := m.store.MarkUsed(ctx, key, m.now()); err != nil {
		return false, nil, fmt.Errorf("recording premium key use: %w", err)
	}
	return true, rec.Features, nil
}

// HasFeature reports whether key grants feature.
func (m *Manager) HasFeature(ctx context.Context, key, feature string) (bool, error) {
	ok, features, err := m.Validate(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return slices.Contains(features, feature), nil
}

// RequiredFeature returns the feature route needs, or "".
func (m *Manager) RequiredFeature(route string) string {
	for _, r := range m.routes {
		if strings.HasPrefix(route, r.prefix) {
			return r.feature
		}
	}
	return ""
}

func (m *Manager) Name() string { return StageName }

func (m *Manager) Evaluate(ctx context.Context, req *core.Request) core.Outcome {
	feature := m.RequiredFeature(req.Route)
	if feature == "" {
		return core.Pass()
	}
	key := req.Header.Get(KeyHeader)
	if key == "" {
		return core.Deny(core.Forbidden("premium feature %q requires %s", feature, KeyHeader))
	}
	ok, err := m.HasFeature(ctx, key, feature)
	if err != nil {
		return core.Deny(core.InternalError(err))
	}
	if !ok {
		return core.Deny(core.Forbidden("premium key does not grant %q", feature))
	}
	return core.Pass()
}
