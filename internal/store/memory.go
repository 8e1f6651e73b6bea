package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

// Memory is the per-process AdmissionStore. Each state family has its own
// lock so a slow activity read never stalls rate limiting.
type Memory struct {
	winMu   sync.Mutex
	windows map[string][]time.Time

	actMu    sync.Mutex
	activity map[string][]core.ActivityRecord

	blockMu   sync.RWMutex
	blocks    map[string]core.BlockEntry
	maxBlocks int

	statMu sync.Mutex
	stats  map[string]*endpointState
}

type endpointState struct {
	stats      core.EndpointStats
	identities map[string]struct{}
}

// NewMemory creates an empty store. maxBlocks caps the block list; when full
// the oldest entry is evicted. Zero means unbounded.
func NewMemory(maxBlocks int) *Memory {
	return &Memory{
		windows:   make(map[string][]time.Time),
		activity:  make(map[string][]core.ActivityRecord),
		blocks:    make(map[string]core.BlockEntry),
		maxBlocks: maxBlocks,
		stats:     make(map[string]*endpointState),
	}
}

// trim drops timestamps at or before cutoff. Entries are kept in append
// order so the retained tail is contiguous.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for j := len(ts) - 1; j >= 0 && ts[j].After(cutoff); j-- {
		n++
	}
	return n
}

func (m *Memory) SlideWindow(_ context.Context, key string, limit int, window, recent time.Duration, now time.Time) (core.WindowResult, error) {
	m.winMu.Lock()
	defer m.winMu.Unlock()

	ts := trim(m.windows[key], now.Add(-window))
	res := core.WindowResult{}
	if len(ts) < limit {
		ts = append(ts, now)
		res.Allowed = true
	}
	if len(ts) == 0 {
		delete(m.windows, key)
		return res, nil
	}
	m.windows[key] = ts

	res.Count = len(ts)
	res.Oldest = ts[0]
	res.Recent = countAfter(ts, now.Add(-recent))
	return res, nil
}

func (m *Memory) Touch(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.winMu.Lock()
	defer m.winMu.Unlock()

	ts := append(trim(m.windows[key], now.Add(-window)), now)
	m.windows[key] = ts
	return len(ts), nil
}

func (m *Memory) AppendActivity(_ context.Context, identifier string, rec core.ActivityRecord, retention time.Duration) error {
	m.actMu.Lock()
	defer m.actMu.Unlock()

	m.activity[identifier] = append(pruneActivity(m.activity[identifier], rec.Timestamp.Add(-retention)), rec)
	return nil
}

func (m *Memory) Activity(_ context.Context, identifier string, since time.Time) ([]core.ActivityRecord, error) {
	m.actMu.Lock()
	defer m.actMu.Unlock()

	recs := m.activity[identifier]
	out := make([]core.ActivityRecord, 0, len(recs))
	for _, r := range recs {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func pruneActivity(recs []core.ActivityRecord, cutoff time.Time) []core.ActivityRecord {
	i := 0
	for i < len(recs) && recs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return recs
	}
	return append(recs[:0], recs[i:]...)
}

func (m *Memory) Block(_ context.Context, entry core.BlockEntry) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	if _, exists := m.blocks[entry.Key]; !exists && m.maxBlocks > 0 && len(m.blocks) >= m.maxBlocks {
		m.evictOldestBlock()
	}
	m.blocks[entry.Key] = entry
	return nil
}

func (m *Memory) evictOldestBlock() {
	var oldest string
	var at time.Time
	for k, e := range m.blocks {
		if oldest == "" || e.CreatedAt.Before(at) {
			oldest, at = k, e.CreatedAt
		}
	}
	delete(m.blocks, oldest)
}

func (m *Memory) Blocked(_ context.Context, key string, now time.Time) (*core.BlockEntry, error) {
	m.blockMu.RLock()
	entry, ok := m.blocks[key]
	m.blockMu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !entry.Live(now) {
		m.blockMu.Lock()
		if cur, still := m.blocks[key]; still && !cur.Live(now) {
			delete(m.blocks, key)
		}
		m.blockMu.Unlock()
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) Unblock(_ context.Context, key string) (bool, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	_, ok := m.blocks[key]
	delete(m.blocks, key)
	return ok, nil
}

func (m *Memory) Blocks(_ context.Context, now time.Time) ([]core.BlockEntry, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	out := make([]core.BlockEntry, 0, len(m.blocks))
	for k, e := range m.blocks {
		if !e.Live(now) {
			delete(m.blocks, k)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RecordEndpoint(_ context.Context, sample core.PerformanceSample, window time.Duration) (core.EndpointStats, error) {
	m.statMu.Lock()
	defer m.statMu.Unlock()

	st, ok := m.stats[sample.Route]
	if !ok || (window > 0 && sample.At.Sub(st.stats.WindowStart) > window) {
		st = &endpointState{
			stats:      core.EndpointStats{Route: sample.Route, WindowStart: sample.At},
			identities: make(map[string]struct{}),
		}
		m.stats[sample.Route] = st
	}

	st.stats.RequestCount++
	if sample.Status >= 400 {
		st.stats.ErrorCount++
	}
	st.stats.TotalLatency += sample.Latency
	st.identities[sample.Identity] = struct{}{}
	st.stats.ConcurrentIdentities = int64(len(st.identities))
	st.stats.LastRequestAt = sample.At
	return st.stats, nil
}

func (m *Memory) EndpointStats(_ context.Context) ([]core.EndpointStats, error) {
	m.statMu.Lock()
	defer m.statMu.Unlock()

	out := make([]core.EndpointStats, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, st.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out, nil
}

// Sweep drops empty windows, expired blocks and stale activity. Reads already
// prune lazily; Sweep bounds memory for keys that are never read again.
func (m *Memory) Sweep(now time.Time, maxWindow, retention time.Duration) {
	m.winMu.Lock()
	for k, ts := range m.windows {
		if ts = trim(ts, now.Add(-maxWindow)); len(ts) == 0 {
			delete(m.windows, k)
		} else {
			m.windows[k] = ts
		}
	}
	m.winMu.Unlock()

	m.actMu.Lock()
	for k, recs := range m.activity {
		if recs = pruneActivity(recs, now.Add(-retention)); len(recs) == 0 {
			delete(m.activity, k)
		} else {
			m.activity[k] = recs
		}
	}
	m.actMu.Unlock()

	m.blockMu.Lock()
	for k, e := range m.blocks {
		if !e.Live(now) {
			delete(m.blocks, k)
		}
	}
	m.blockMu.Unlock()
}

// SweepLoop runs Sweep every interval until ctx is done.
func (m *Memory) SweepLoop(ctx context.Context, interval, maxWindow, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now, maxWindow, retention)
		}
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// LocalMemory returns the in-process part of s that needs periodic sweeping,
// or nil when s keeps no local state.
func LocalMemory(s core.AdmissionStore) *Memory {
	switch v := s.(type) {
	case *Memory:
		return v
	case *Fallback:
		return v.Local()
	}
	return nil
}
