package core

import (
	"sync"
	"time"
)

// AlertDedup suppresses repeats of the same (type, route) alert within a
// cooldown, so an endpoint that stays over a threshold raises one alert per
// cooldown instead of one per request.
type AlertDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewAlertDedup creates a dedup cache. maxSize caps memory usage by evicting
// expired entries, then the oldest half.
func NewAlertDedup(ttl time.Duration, maxSize int) *AlertDedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &AlertDedup{
		seen:    make(map[string]time.Time, maxSize/4),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Allow returns true the first time (alertType, route) is seen within the
// cooldown and records it.
func (d *AlertDedup) Allow(alertType, route string, now time.Time) bool {
	key := alertType + "\x00" + route

	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < d.ttl {
		return false
	}

	d.seen[key] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}
	return true
}

func (d *AlertDedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			target--
			if target <= 0 {
				break
			}
		}
	}
}

// SetTTL changes the cooldown, used by hot reload.
func (d *AlertDedup) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	d.mu.Lock()
	d.ttl = ttl
	d.mu.Unlock()
}

// Size returns the current number of entries in the cache.
func (d *AlertDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
