package detect

import (
	"math"
	"sort"

	"github.com/cxpulse/cx-sentinel/internal/cxmetrics"
	"github.com/cxpulse/cx-sentinel/internal/models"
)

// Significance tiers, best first. These are heuristic confidence labels
// derived from effect size and sample size, not a formal hypothesis test.
const (
	SignificanceHigh    = "***"
	SignificanceVery    = "**"
	SignificanceSome    = "*"
	SignificanceNone    = "ns"
	SignificanceUnknown = "unknown"
)

// DefaultTopN is the number of regressing slices attached to an incident.
const DefaultTopN = 10

// zeroBaselineDenominator replaces the effect-size denominator when the
// baseline value is exactly zero.
const zeroBaselineDenominator = 1.0

// SlicingEngine ranks cohorts by regression magnitude and approximate
// statistical significance between two periods.
type SlicingEngine struct{}

// NewSlicingEngine constructs a slicing engine.
func NewSlicingEngine() *SlicingEngine {
	return &SlicingEngine{}
}

// FindTopRegressing matches current cohorts to their baseline counterparts by
// canonical key, keeps those with strictly negative delta on the metric,
// attaches significance, and returns the topN sorted by (significance rank
// desc, |delta| desc). Cohorts absent from the baseline are skipped; cohorts
// below minOrders in either period carry significance "unknown".
func (e *SlicingEngine) FindTopRegressing(baseline, current []models.CohortMetrics, metric string, topN, minOrders int) []models.RankedSlice {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if minOrders <= 0 {
		minOrders = cxmetrics.DefaultMinOrders
	}

	index := make(map[string]models.CohortMetrics, len(baseline))
	for _, cm := range baseline {
		index[cm.Cohort.Key()] = cm
	}

	slices := make([]models.RankedSlice, 0, len(current))
	for _, cur := range current {
		base, ok := index[cur.Cohort.Key()]
		if !ok {
			// No baseline counterpart: never reported as a regression.
			continue
		}
		baseValue, ok := base.Snapshot.Value(metric)
		if !ok {
			continue
		}
		curValue, _ := cur.Snapshot.Value(metric)
		delta := curValue - baseValue
		if delta >= 0 {
			// A tie is not a regression.
			continue
		}

		rs := models.RankedSlice{
			Cohort:        cur.Cohort,
			BaselineValue: baseValue,
			CurrentValue:  curValue,
			Delta:         delta,
			OrderCount:    cur.OrderCount,
		}
		if baseValue != 0 {
			rs.DeltaPercent = delta / baseValue * 100
		}

		if base.OrderCount < minOrders || cur.OrderCount < minOrders {
			rs.Significance = SignificanceUnknown
		} else {
			p := approximatePValue(baseValue, curValue, base.OrderCount, cur.OrderCount)
			rs.PValue = &p
			rs.Significance = significanceOf(p)
		}
		slices = append(slices, rs)
	}

	// Candidate pool: keep the 2N worst deltas before significance ranking,
	// so significance never promotes a marginal regression past the pool.
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].Delta < slices[j].Delta
	})
	if len(slices) > 2*topN {
		slices = slices[:2*topN]
	}

	sort.SliceStable(slices, func(i, j int) bool {
		ri, rj := significanceRank(slices[i].Significance), significanceRank(slices[j].Significance)
		if ri != rj {
			return ri > rj
		}
		return math.Abs(slices[i].Delta) > math.Abs(slices[j].Delta)
	})

	if len(slices) > topN {
		slices = slices[:topN]
	}
	return slices
}

// approximatePValue maps effect size and the smaller sample size onto an
// approximate p-value: larger effect on a larger sample drives p toward the
// 0.001 floor.
func approximatePValue(baseline, current float64, baselineCount, currentCount int) float64 {
	denom := math.Abs(baseline)
	if denom == 0 {
		denom = zeroBaselineDenominator
	}
	effectSize := math.Abs(current-baseline) / denom
	n := baselineCount
	if currentCount < n {
		n = currentCount
	}
	nFactor := float64(n) / 100
	return math.Max(0.001, 1-effectSize*nFactor)
}

func significanceOf(p float64) string {
	switch {
	case p < 0.001:
		return SignificanceHigh
	case p < 0.01:
		return SignificanceVery
	case p < 0.05:
		return SignificanceSome
	default:
		return SignificanceNone
	}
}

func significanceRank(level string) int {
	switch level {
	case SignificanceHigh:
		return 4
	case SignificanceVery:
		return 3
	case SignificanceSome:
		return 2
	case SignificanceNone:
		return 1
	default:
		return 0
	}
}
