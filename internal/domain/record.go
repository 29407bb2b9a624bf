package domain

import (
	"sort"
	"time"
)

// DateFormat is the canonical date layout used throughout the pipeline.
const DateFormat = "2006-01-02"

// CanonicalRecord is one normalized row of market data. Primary key is
// (Symbol, Date); a CanonicalTable holds at most one record per key.
type CanonicalRecord struct {
	Symbol        string
	Name          string
	Date          time.Time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	ChangePercent float64
}

// RecordKey identifies a CanonicalRecord within a table.
type RecordKey struct {
	Symbol string
	Date   string
}

// Key returns the primary key of the record.
func (r CanonicalRecord) Key() RecordKey {
	return RecordKey{Symbol: r.Symbol, Date: r.Date.Format(DateFormat)}
}

// CanonicalTable is the accumulated normalized history, deduplicated by
// (Symbol, Date). Records() always returns rows ordered by symbol then
// date so that persisted output is deterministic.
type CanonicalTable struct {
	rows map[RecordKey]CanonicalRecord
}

// NewCanonicalTable returns an empty table.
func NewCanonicalTable() *CanonicalTable {
	return &CanonicalTable{rows: make(map[RecordKey]CanonicalRecord)}
}

// Len returns the number of unique (symbol, date) rows.
func (t *CanonicalTable) Len() int {
	return len(t.rows)
}

// Upsert inserts the record, replacing any existing row with the same key.
// It reports whether a row was replaced.
func (t *CanonicalTable) Upsert(r CanonicalRecord) bool {
	key := r.Key()
	_, replaced := t.rows[key]
	t.rows[key] = r
	return replaced
}

// Get looks up a record by key.
func (t *CanonicalTable) Get(key RecordKey) (CanonicalRecord, bool) {
	r, ok := t.rows[key]
	return r, ok
}

// Records returns all rows ordered by (symbol, date).
func (t *CanonicalTable) Records() []CanonicalRecord {
	out := make([]CanonicalRecord, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Dates returns the distinct dates present in the table in ascending order.
func (t *CanonicalTable) Dates() []time.Time {
	seen := make(map[string]time.Time)
	for key := range t.rows {
		if _, ok := seen[key.Date]; !ok {
			d, _ := time.Parse(DateFormat, key.Date)
			seen[key.Date] = d
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Clone returns a deep copy of the table.
func (t *CanonicalTable) Clone() *CanonicalTable {
	out := NewCanonicalTable()
	for key, r := range t.rows {
		out.rows[key] = r
	}
	return out
}

// Equal reports whether both tables hold identical rows.
func (t *CanonicalTable) Equal(other *CanonicalTable) bool {
	if len(t.rows) != len(other.rows) {
		return false
	}
	for key, r := range t.rows {
		o, ok := other.rows[key]
		if !ok || o != r {
			return false
		}
	}
	return true
}
