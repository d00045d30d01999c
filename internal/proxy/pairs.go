package proxy

import "github.com/google/uuid"

// PairResult is the outcome of PairTable.New, matching spec §4.2's
// ok | full taxonomy.
type PairResult int

const (
	// PairOK means the row was inserted.
	PairOK PairResult = iota
	// PairFull means the table was already at capacity, or a row with the
	// same outbound MID already exists.
	PairFull
)

// TransactionPair is one C2 row: the correlation between a source-side
// transaction (client⇄proxy) and a target-side transaction (proxy⇄origin)
// for one in-flight proxied request. The pair does not own either
// transaction's lifecycle — the transport does; clearing a transaction
// invalidates the corresponding field here, and the pair row itself must be
// dropped in the same step as (or before) clearing either one.
type TransactionPair struct {
	// OutboundMID is the MID of the proxy→target request and this row's
	// primary key.
	OutboundMID uint16
	Source      Transaction
	Target      Transaction
	// CacheKey is the Proxy-Uri that produced this pair, carried forward
	// so the eventual response can be inserted into C1 under the right key.
	CacheKey string
	// TraceID tags one forwarding cycle end-to-end across the log lines
	// the engine emits for it; MIDs get reused across the small
	// transaction-pair table and are not fit for long-lived correlation.
	TraceID string
}

// PairTable is the fixed-capacity transaction-pair table (C2). All
// operations are O(n) over a small table — spec §4.2 calls this out
// explicitly; MAX_OPEN_TRANSACTIONS is typically ≤ 16, so a linear scan
// over a slice is both correct and simpler than a map for a table this
// size, and keeps iteration order stable for Snapshot.
type PairTable struct {
	capacity int
	rows     []*TransactionPair
}

// NewPairTable constructs a PairTable bounded to capacity live rows.
func NewPairTable(capacity int) *PairTable {
	if capacity < 0 {
		capacity = 0
	}
	return &PairTable{capacity: capacity, rows: make([]*TransactionPair, 0, capacity)}
}

// New inserts a row correlating source and target under outboundMID.
// source and target must both be non-nil — spec §4.2's invariant that "a
// pair is never created without both source and target non-null".
func (t *PairTable) New(outboundMID uint16, source, target Transaction, cacheKey string) (*TransactionPair, PairResult) {
	if source == nil || target == nil {
		panic("proxy: pair_new requires non-nil source and target transactions")
	}
	if _, found := t.find(outboundMID); found {
		return nil, PairFull
	}
	if len(t.rows) >= t.capacity {
		return nil, PairFull
	}
	p := &TransactionPair{
		OutboundMID: outboundMID,
		Source:      source,
		Target:      target,
		CacheKey:    cacheKey,
		TraceID:     uuid.New().String()[:8],
	}
	t.rows = append(t.rows, p)
	return p, PairOK
}

// Find looks up the live row for outboundMID.
func (t *PairTable) Find(outboundMID uint16) (*TransactionPair, bool) {
	return t.find(outboundMID)
}

func (t *PairTable) find(outboundMID uint16) (*TransactionPair, bool) {
	for _, row := range t.rows {
		if row.OutboundMID == outboundMID {
			return row, true
		}
	}
	return nil, false
}

// Clear removes p's row. A no-op if p is nil or already cleared — applying
// Clear twice to the same pair must not corrupt the table (spec §8,
// "pair idempotence").
func (t *PairTable) Clear(p *TransactionPair) {
	if p == nil {
		return
	}
	for i, row := range t.rows {
		if row == p {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return
		}
	}
}

// Len reports the number of live rows.
func (t *PairTable) Len() int {
	return len(t.rows)
}

// Snapshot returns the live rows, for admin introspection.
func (t *PairTable) Snapshot() []*TransactionPair {
	out := make([]*TransactionPair, len(t.rows))
	copy(out, t.rows)
	return out
}
