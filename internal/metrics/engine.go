// Package metrics computes cross-sectional ranks, rank deltas, momentum,
// and threshold labels over a canonical table. The engine is pure: same
// table and rules in, same snapshots out, regardless of insertion order.
package metrics

import (
	"sort"
	"time"

	"marketpipe/internal/domain"
)

// Engine computes metric snapshots for every (symbol, date) in a table.
type Engine struct {
	momentumWindow int
}

// NewEngine creates an engine with the given momentum lookback, measured
// in trading days within each symbol's own series.
func NewEngine(momentumWindow int) *Engine {
	if momentumWindow <= 0 {
		momentumWindow = 5
	}
	return &Engine{momentumWindow: momentumWindow}
}

// Compute derives one MetricSnapshot per record in the table, ordered by
// (symbol, date). Indicators that lack sufficient history are left nil.
func (e *Engine) Compute(table *domain.CanonicalTable, rules domain.LabelRuleSet) []domain.MetricSnapshot {
	dates := table.Dates()
	records := table.Records()

	// Cross-sectional rank per date: 1 = largest change percent, ties
	// broken by symbol so ranking is total and deterministic.
	ranks := make(map[domain.RecordKey]int, len(records))
	byDate := make(map[string][]domain.CanonicalRecord, len(dates))
	for _, r := range records {
		dateKey := r.Date.Format(domain.DateFormat)
		byDate[dateKey] = append(byDate[dateKey], r)
	}
	for dateKey, day := range byDate {
		sort.Slice(day, func(i, j int) bool {
			if day[i].ChangePercent != day[j].ChangePercent {
				return day[i].ChangePercent > day[j].ChangePercent
			}
			return day[i].Symbol < day[j].Symbol
		})
		for i, r := range day {
			ranks[domain.RecordKey{Symbol: r.Symbol, Date: dateKey}] = i + 1
		}
	}

	// Per-symbol chronological series for momentum.
	bySymbol := make(map[string][]domain.CanonicalRecord)
	for _, r := range records {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}
	seriesIndex := make(map[domain.RecordKey]int, len(records))
	for _, series := range bySymbol {
		for i, r := range series {
			seriesIndex[r.Key()] = i
		}
	}

	prevDate := make(map[string]time.Time, len(dates))
	for i := 1; i < len(dates); i++ {
		prevDate[dates[i].Format(domain.DateFormat)] = dates[i-1]
	}

	out := make([]domain.MetricSnapshot, 0, len(records))
	for _, r := range records {
		key := r.Key()
		snap := domain.MetricSnapshot{
			Symbol:        r.Symbol,
			Date:          r.Date,
			Rank:          ranks[key],
			ChangePercent: r.ChangePercent,
		}

		// Rank delta compares against the immediately preceding date in
		// the table. Positive means the symbol climbed.
		if prev, ok := prevDate[key.Date]; ok {
			prevKey := domain.RecordKey{Symbol: r.Symbol, Date: prev.Format(domain.DateFormat)}
			if prevRank, ok := ranks[prevKey]; ok {
				delta := prevRank - snap.Rank
				snap.RankDelta = &delta
			}
		}

		if idx := seriesIndex[key]; idx >= e.momentumWindow {
			base := bySymbol[r.Symbol][idx-e.momentumWindow].Close
			if base != 0 {
				m := (r.Close/base - 1) * 100
				snap.Momentum = &m
			}
		}

		snap.Labels = applyRules(rules, snap)
		out = append(out, snap)
	}
	return out
}

// applyRules evaluates every rule against the snapshot, in rule order.
func applyRules(rules domain.LabelRuleSet, snap domain.MetricSnapshot) []string {
	var labels []string
	for _, rule := range rules {
		if rule.Matches(metricValue(rule.Metric, snap)) {
			labels = append(labels, rule.Name)
		}
	}
	return labels
}

// metricValue selects the metric a rule refers to, or nil when that
// metric is undefined for the snapshot.
func metricValue(metric string, snap domain.MetricSnapshot) *float64 {
	switch metric {
	case "momentum":
		return snap.Momentum
	case "rank_delta":
		if snap.RankDelta == nil {
			return nil
		}
		v := float64(*snap.RankDelta)
		return &v
	case "rank":
		v := float64(snap.Rank)
		return &v
	case "change_percent":
		v := snap.ChangePercent
		return &v
	default:
		return nil
	}
}
