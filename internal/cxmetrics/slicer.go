package cxmetrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// ErrCohortSpaceTooLarge signals that the requested dimension set would
// generate more cohorts than the configured cap. Cohort generation is a
// cross-product of per-dimension cardinalities and grows multiplicatively;
// callers should narrow the dimension set instead of raising the cap.
type ErrCohortSpaceTooLarge struct {
	Projected int
	Limit     int
}

func (e ErrCohortSpaceTooLarge) Error() string {
	return fmt.Sprintf("cohort space of %d combinations exceeds cap of %d", e.Projected, e.Limit)
}

// DefaultMinOrders is the minimum order count for a cohort to be considered.
const DefaultMinOrders = 10

// DefaultMaxCohorts bounds the cohort cross-product.
const DefaultMaxCohorts = 50000

// Slicer partitions an order set along categorical dimensions and computes
// per-cohort metrics through the Calculator.
type Slicer struct {
	calc       *Calculator
	maxCohorts int
}

// NewSlicer constructs a slicer; maxCohorts <= 0 selects the default cap.
func NewSlicer(calc *Calculator, maxCohorts int) *Slicer {
	if calc == nil {
		calc = NewCalculator()
	}
	if maxCohorts <= 0 {
		maxCohorts = DefaultMaxCohorts
	}
	return &Slicer{calc: calc, maxCohorts: maxCohorts}
}

// DistinctValues returns the sorted distinct values of a dimension across the
// order set.
func (s *Slicer) DistinctValues(orders []models.Order, dim string) []string {
	seen := make(map[string]struct{})
	for _, o := range orders {
		v := models.DimensionValue(o, dim)
		if v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// AllCohorts generates the cross-product of distinct values for the requested
// dimensions (all five when dims is nil). Dimensions with no observed values
// are dropped; no usable dimension yields the single empty cohort.
func (s *Slicer) AllCohorts(orders []models.Order, dims []string) ([]models.Cohort, error) {
	if dims == nil {
		dims = models.CohortDimensions
	}

	available := make([]string, 0, len(dims))
	valuesByDim := make(map[string][]string, len(dims))
	projected := 1
	for _, dim := range dims {
		values := s.DistinctValues(orders, dim)
		if len(values) == 0 {
			continue
		}
		available = append(available, dim)
		valuesByDim[dim] = values
		projected *= len(values)
		if projected > s.maxCohorts {
			return nil, ErrCohortSpaceTooLarge{Projected: projected, Limit: s.maxCohorts}
		}
	}
	if len(available) == 0 {
		return []models.Cohort{{}}, nil
	}

	cohorts := []models.Cohort{{}}
	for _, dim := range available {
		next := make([]models.Cohort, 0, len(cohorts)*len(valuesByDim[dim]))
		for _, base := range cohorts {
			for _, v := range valuesByDim[dim] {
				c := base.Clone()
				c[dim] = v
				next = append(next, c)
			}
		}
		cohorts = next
	}
	return cohorts, nil
}

// FilterByCohort returns the orders matching every dimension value of the
// cohort.
func (s *Slicer) FilterByCohort(orders []models.Order, cohort models.Cohort) []models.Order {
	out := make([]models.Order, 0)
	for _, o := range orders {
		if cohort.Matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// MetricsForCohort restricts all five tables to orders in the cohort and
// computes their snapshot. Pure: identical inputs always yield identical
// output.
func (s *Slicer) MetricsForCohort(ds models.Dataset, cohort models.Cohort) models.CohortMetrics {
	orders := s.FilterByCohort(ds.Orders, cohort)
	ids := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		ids[o.OrderID] = struct{}{}
	}
	slice := ds.ForOrderIDs(ids)
	snap := s.calc.Snapshot(slice)
	return models.CohortMetrics{
		Cohort:     cohort.Clone(),
		Snapshot:   snap,
		OrderCount: len(orders),
	}
}

// AllCohortMetrics computes metrics for every cohort over the requested
// dimensions, discarding cohorts below minOrders before computing their
// metrics. Cohorts are independent, so computation fans out across a bounded
// errgroup; result order follows cohort generation order regardless of
// scheduling.
func (s *Slicer) AllCohortMetrics(ctx context.Context, ds models.Dataset, dims []string, minOrders int) ([]models.CohortMetrics, error) {
	if minOrders <= 0 {
		minOrders = DefaultMinOrders
	}
	cohorts, err := s.AllCohorts(ds.Orders, dims)
	if err != nil {
		return nil, err
	}

	results := make([]*models.CohortMetrics, len(cohorts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, cohort := range cohorts {
		i, cohort := i, cohort
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(s.FilterByCohort(ds.Orders, cohort)) < minOrders {
				return nil
			}
			cm := s.MetricsForCohort(ds, cohort)
			results[i] = &cm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.CohortMetrics, 0, len(results))
	for _, cm := range results {
		if cm != nil {
			out = append(out, *cm)
		}
	}
	return out, nil
}

// MatchCohorts indexes baseline cohorts by canonical key and pairs each
// current cohort with its baseline counterpart. Current cohorts with no
// baseline are omitted.
func MatchCohorts(baseline, current []models.CohortMetrics) map[string][2]models.CohortMetrics {
	index := make(map[string]models.CohortMetrics, len(baseline))
	for _, cm := range baseline {
		index[cm.Cohort.Key()] = cm
	}
	matched := make(map[string][2]models.CohortMetrics)
	for _, cm := range current {
		key := cm.Cohort.Key()
		base, ok := index[key]
		if !ok {
			continue
		}
		matched[key] = [2]models.CohortMetrics{base, cm}
	}
	return matched
}

// FilterByTimeWindow restricts orders to the half-open interval [start, end)
// on order time.
func (s *Slicer) FilterByTimeWindow(orders []models.Order, start, end time.Time) []models.Order {
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if !o.OrderTime.Before(start) && o.OrderTime.Before(end) {
			out = append(out, o)
		}
	}
	return out
}
