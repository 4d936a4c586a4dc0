package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/cxmetrics"
	"github.com/cxpulse/cx-sentinel/internal/models"
)

// Pipeline thresholds: a cx_score move below cxScoreDeltaFloor points, or any
// other metric moving by less than rateDeltaPctFloor percent of its baseline,
// never raises an incident.
const (
	DefaultCXScoreDeltaFloor = 5.0
	DefaultRateDeltaPctFloor = 5.0
	DefaultTopSlices         = 5
)

// DefaultMetricsToCheck are the metrics compared on every run.
var DefaultMetricsToCheck = []string{
	models.MetricCXScore,
	models.MetricOnTimeRate,
	models.MetricCancellationRate,
}

// TimeRange bounds one comparison window, half-open on order time.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Params tunes a detection run; zero values select defaults.
type Params struct {
	MetricsToCheck    []string
	Dimensions        []string
	MinOrders         int
	TopSlices         int
	CXScoreDeltaFloor float64
	RateDeltaPctFloor float64
}

func (p Params) withDefaults() Params {
	if len(p.MetricsToCheck) == 0 {
		p.MetricsToCheck = DefaultMetricsToCheck
	}
	if p.MinOrders <= 0 {
		p.MinOrders = cxmetrics.DefaultMinOrders
	}
	if p.TopSlices <= 0 {
		p.TopSlices = DefaultTopSlices
	}
	if p.CXScoreDeltaFloor <= 0 {
		p.CXScoreDeltaFloor = DefaultCXScoreDeltaFloor
	}
	if p.RateDeltaPctFloor <= 0 {
		p.RateDeltaPctFloor = DefaultRateDeltaPctFloor
	}
	return p
}

// GridProvider computes the cohort metric grid for one window. The default
// provider delegates to the slicer; callers may install a memoising one.
type GridProvider func(ctx context.Context, ds models.Dataset, window TimeRange, dims []string, minOrders int) ([]models.CohortMetrics, error)

// Pipeline drives one synchronous detection pass: window the tables, compare
// aggregate metrics, slice the regressing ones, and record incidents.
type Pipeline struct {
	logger    *slog.Logger
	calc      *cxmetrics.Calculator
	slicer    *cxmetrics.Slicer
	slicing   *SlicingEngine
	incidents *Manager
	grids     GridProvider
	params    Params
}

// NewPipeline constructs a detection pipeline. Nil collaborators are replaced
// with defaults; the incident manager is shared with other consumers, so it
// is required.
func NewPipeline(logger *slog.Logger, calc *cxmetrics.Calculator, slicer *cxmetrics.Slicer, slicing *SlicingEngine, incidents *Manager, params Params) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if calc == nil {
		calc = cxmetrics.NewCalculator()
	}
	if slicer == nil {
		slicer = cxmetrics.NewSlicer(calc, 0)
	}
	if slicing == nil {
		slicing = NewSlicingEngine()
	}
	if incidents == nil {
		incidents = NewManager()
	}
	p := &Pipeline{
		logger:    logger,
		calc:      calc,
		slicer:    slicer,
		slicing:   slicing,
		incidents: incidents,
		params:    params.withDefaults(),
	}
	p.grids = func(ctx context.Context, ds models.Dataset, _ TimeRange, dims []string, minOrders int) ([]models.CohortMetrics, error) {
		return p.slicer.AllCohortMetrics(ctx, ds, dims, minOrders)
	}
	return p
}

// UseGrids replaces the grid provider, e.g. with a caching one. Nil restores
// nothing and is ignored.
func (p *Pipeline) UseGrids(provider GridProvider) {
	if provider != nil {
		p.grids = provider
	}
}

// Incidents exposes the shared incident manager.
func (p *Pipeline) Incidents() *Manager {
	return p.incidents
}

// DetectIncidents compares the baseline and current windows metric by metric
// and creates one incident per metric whose move clears the floor, each
// carrying its top regressing cohorts. The returned slice holds only the
// incidents created by this run.
func (p *Pipeline) DetectIncidents(ctx context.Context, ds models.Dataset, baseline, current TimeRange, metricsToCheck []string) ([]models.Incident, error) {
	params := p.params
	if len(metricsToCheck) > 0 {
		params.MetricsToCheck = metricsToCheck
	}

	baselineData := ds.Window(baseline.Start, baseline.End)
	currentData := ds.Window(current.Start, current.End)

	baselineSnap := p.calc.Snapshot(baselineData)
	currentSnap := p.calc.Snapshot(currentData)

	p.logger.Debug("window snapshots computed",
		slog.Int("baseline_orders", baselineSnap.OrderCount),
		slog.Int("current_orders", currentSnap.OrderCount),
	)

	// The cohort grids are pure functions of their window, so they are
	// computed at most once and reused across metrics.
	var baselineCohorts, currentCohorts []models.CohortMetrics
	cohortsReady := false

	var created []models.Incident
	for _, metric := range params.MetricsToCheck {
		baseValue, ok := baselineSnap.Value(metric)
		if !ok {
			p.logger.Warn("unknown metric skipped", slog.String("metric", metric))
			continue
		}
		curValue, _ := currentSnap.Value(metric)
		delta := curValue - baseValue

		if metric == models.MetricCXScore {
			if math.Abs(delta) < params.CXScoreDeltaFloor {
				continue
			}
		} else {
			deltaPct := 0.0
			if baseValue != 0 {
				deltaPct = math.Abs(delta / baseValue * 100)
			}
			if deltaPct < params.RateDeltaPctFloor {
				continue
			}
		}

		if !cohortsReady {
			var err error
			baselineCohorts, err = p.grids(ctx, baselineData, baseline, params.Dimensions, params.MinOrders)
			if err != nil {
				return created, fmt.Errorf("baseline cohort metrics: %w", err)
			}
			currentCohorts, err = p.grids(ctx, currentData, current, params.Dimensions, params.MinOrders)
			if err != nil {
				return created, fmt.Errorf("current cohort metrics: %w", err)
			}
			cohortsReady = true
		}

		topSlices := p.slicing.FindTopRegressing(baselineCohorts, currentCohorts, metric, params.TopSlices, params.MinOrders)
		affected := make([]models.Cohort, 0, len(topSlices))
		for _, s := range topSlices {
			affected = append(affected, s.Cohort)
		}

		baselineCopy := baseValue
		inc := p.incidents.CreateIncident(
			metric,
			curValue,
			&baselineCopy,
			time.Now().UTC(),
			affected,
			topSlices,
			fmt.Sprintf("%s regressed from %.2f to %.2f", metric, baseValue, curValue),
		)
		created = append(created, inc)

		p.logger.Info("incident created",
			slog.String("incident_id", inc.IncidentID),
			slog.String("metric", metric),
			slog.String("severity", string(inc.Severity)),
			slog.Float64("delta", inc.Delta),
		)
	}

	return created, nil
}
