package proxy

import "time"

// CacheResult is the outcome of CacheTable.Put, matching spec §4.1's
// ok | full | key_conflict taxonomy.
type CacheResult int

const (
	// CacheOK means the row was inserted, refreshed, or (for an
	// oversized payload) deliberately left uncached without error — a
	// proxied response is always forwarded regardless of cacheability.
	CacheOK CacheResult = iota
	// CacheFull is returned only when the table has zero capacity; under
	// normal capacity (> 0) Put always makes room by evicting the entry
	// with the nearest expires_at rather than failing.
	CacheFull
	// CacheKeyConflict means key exceeds the configured KEY_MAX and was
	// rejected outright.
	CacheKeyConflict
)

// cacheRow is one live entry. generation is bumped on every refresh so a
// timer callback scheduled against an older version of the row can detect
// that it is stale and decline to evict — the fix for the "stale callback"
// hazard spec §9 calls out in the original's single shared timer.
type cacheRow struct {
	resp       CachedResponse
	generation uint64
	timer      *time.Timer
}

// CachedResponse is one C1 row: an origin response keyed by the Proxy-Uri
// that produced it.
type CachedResponse struct {
	Key           string
	Payload       []byte
	ContentFormat uint16
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// CacheTable is the bounded, TTL-evicting proxy response cache (C1). It is
// not safe for concurrent use — like the rest of this package, it is meant
// to be owned by a single goroutine (see internal/server for the wiring
// that posts timer-fired evictions back onto that goroutine instead of
// mutating the table from the timer's own goroutine).
type CacheTable struct {
	capacity      int
	keyMax        int
	payloadMax    int
	defaultMaxAge time.Duration
	maxAgeMax     time.Duration

	rows map[string]*cacheRow

	now  func() time.Time
	post func(func())
}

// NewCacheTable constructs a CacheTable bounded to capacity rows, each key
// no longer than keyMax bytes and each cached payload no longer than
// payloadMax bytes. post is called from the timer goroutine when an entry's
// TTL fires; it must hand the given closure to whatever single goroutine
// owns this table (the engine loop) rather than invoke it inline. now
// defaults to time.Now and exists so tests can simulate clock advance
// without waiting on real timers — cache_get always re-checks expires_at
// against now(), so correctness does not depend on the background timer
// actually having fired (spec §4.1, TOCTOU note).
func NewCacheTable(capacity, keyMax, payloadMax int, defaultMaxAge, maxAgeMax time.Duration, post func(func())) *CacheTable {
	if capacity < 0 {
		capacity = 0
	}
	if post == nil {
		post = func(f func()) { f() }
	}
	return &CacheTable{
		capacity:      capacity,
		keyMax:        keyMax,
		payloadMax:    payloadMax,
		defaultMaxAge: defaultMaxAge,
		maxAgeMax:     maxAgeMax,
		rows:          make(map[string]*cacheRow, capacity),
		now:           time.Now,
		post:          post,
	}
}

// SetClock overrides the table's time source. Test-only.
func (c *CacheTable) SetClock(now func() time.Time) {
	c.now = now
}

// Put inserts or refreshes the row for key. A max_age of zero normalizes to
// the table's configured default; values above max_age_max are clamped.
func (c *CacheTable) Put(key string, payload []byte, contentFormat uint16, maxAge time.Duration) CacheResult {
	if len(key) > c.keyMax {
		return CacheKeyConflict
	}
	if c.capacity == 0 {
		return CacheFull
	}

	maxAge = c.normalizeMaxAge(maxAge)
	now := c.now()
	expiresAt := now.Add(maxAge)

	if row, ok := c.rows[key]; ok {
		if len(payload) > c.payloadMax {
			// The new response is forwarded but not cached; the old payload
			// is no longer current, so drop its row.
			c.Invalidate(key)
			return CacheOK
		}
		row.generation++
		row.resp.ContentFormat = contentFormat
		row.resp.CreatedAt = now
		row.resp.ExpiresAt = expiresAt
		row.resp.Payload = cloneBytes(payload)
		c.armTimer(key, row)
		return CacheOK
	}

	if len(payload) > c.payloadMax {
		// Forwarded but not cached (spec §8 boundary behavior).
		return CacheOK
	}

	if len(c.rows) >= c.capacity {
		c.evictNearestExpiry()
	}

	row := &cacheRow{
		resp: CachedResponse{
			Key:           key,
			Payload:       cloneBytes(payload),
			ContentFormat: contentFormat,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		},
	}
	c.rows[key] = row
	c.armTimer(key, row)
	return CacheOK
}

// Get performs an exact-match lookup, returning (_, false) if the key is
// absent or its TTL has lapsed even if the background timer has not yet
// fired — the monotonic recheck that closes the race spec §4.1 describes.
func (c *CacheTable) Get(key string) (CachedResponse, bool) {
	row, ok := c.rows[key]
	if !ok {
		return CachedResponse{}, false
	}
	if c.now().After(row.resp.ExpiresAt) {
		return CachedResponse{}, false
	}
	return row.resp, true
}

// Invalidate removes key's row and cancels its timer. Idempotent.
func (c *CacheTable) Invalidate(key string) {
	row, ok := c.rows[key]
	if !ok {
		return
	}
	row.generation++
	if row.timer != nil {
		row.timer.Stop()
	}
	delete(c.rows, key)
}

// Len reports the number of live rows.
func (c *CacheTable) Len() int {
	return len(c.rows)
}

// Snapshot returns a copy of every live row, for admin introspection.
func (c *CacheTable) Snapshot() []CachedResponse {
	out := make([]CachedResponse, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row.resp)
	}
	return out
}

func (c *CacheTable) normalizeMaxAge(maxAge time.Duration) time.Duration {
	if maxAge <= 0 {
		maxAge = c.defaultMaxAge
	}
	if c.maxAgeMax > 0 && maxAge > c.maxAgeMax {
		maxAge = c.maxAgeMax
	}
	return maxAge
}

// armTimer (re)schedules the per-row TTL timer. The callback only ever
// closes over the key, the row and the generation it was armed for;
// expire() checks that the same row is still present under key and that
// the generation still matches before removing anything, so a timer left
// over from a row that was since refreshed or replaced is a safe no-op
// rather than a leak (spec §9).
func (c *CacheTable) armTimer(key string, row *cacheRow) {
	if row.timer != nil {
		row.timer.Stop()
	}
	generation := row.generation
	d := row.resp.ExpiresAt.Sub(c.now())
	if d < 0 {
		d = 0
	}
	row.timer = time.AfterFunc(d, func() {
		c.post(func() { c.expire(key, row, generation) })
	})
}

func (c *CacheTable) expire(key string, armed *cacheRow, generation uint64) {
	row, ok := c.rows[key]
	if !ok || row != armed || row.generation != generation {
		return
	}
	delete(c.rows, key)
}

// evictNearestExpiry removes the row whose expires_at is soonest, per
// spec §4.1's capacity-exceeded policy.
func (c *CacheTable) evictNearestExpiry() {
	var victim string
	var nearest time.Time
	first := true
	for k, row := range c.rows {
		if first || row.resp.ExpiresAt.Before(nearest) {
			victim = k
			nearest = row.resp.ExpiresAt
			first = false
		}
	}
	if victim != "" {
		c.Invalidate(victim)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
