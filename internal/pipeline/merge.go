package pipeline

import (
	"marketpipe/internal/domain"
)

// MergePolicy decides which record survives when an incoming row collides
// with an existing one on (symbol, date).
type MergePolicy string

const (
	// LastWriteWins replaces the existing row with the incoming one.
	LastWriteWins MergePolicy = "last_write_wins"
	// KeepExisting discards the incoming row on collision.
	KeepExisting MergePolicy = "keep_existing"
)

// Merge combines an incoming table into a copy of the existing one under
// the given policy. Neither input is mutated. It returns the merged table
// and the number of collisions resolved.
func Merge(existing, incoming *domain.CanonicalTable, policy MergePolicy) (*domain.CanonicalTable, int) {
	merged := existing.Clone()
	collisions := 0
	for _, r := range incoming.Records() {
		if _, ok := merged.Get(r.Key()); ok {
			collisions++
			if policy == KeepExisting {
				continue
			}
		}
		merged.Upsert(r)
	}
	return merged, collisions
}
