// Package service wires the detection pipeline, incident store, cohort cache
// and telemetry behind one facade consumed by the HTTP handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/cache"
	"github.com/cxpulse/cx-sentinel/internal/cxmetrics"
	"github.com/cxpulse/cx-sentinel/internal/detect"
	"github.com/cxpulse/cx-sentinel/internal/models"
	"github.com/cxpulse/cx-sentinel/internal/telemetry"
	"github.com/cxpulse/cx-sentinel/internal/utils"
)

// ErrNoDataset signals that detection or metric queries were requested before
// any data was loaded.
var ErrNoDataset = errors.New("no dataset loaded")

// ErrEmptyDataset signals a loaded dataset with zero orders, which leaves no
// window to detect over.
var ErrEmptyDataset = errors.New("dataset holds no orders")

// DetectorService owns the process state: the loaded dataset, the pipeline,
// the incident collection and the cohort grid cache.
type DetectorService struct {
	logger    *slog.Logger
	calc      *cxmetrics.Calculator
	slicer    *cxmetrics.Slicer
	pipeline  *detect.Pipeline
	detector  *detect.Detector
	incidents *detect.Manager
	grids     *cache.CohortCache
	latencies *utils.LatencyTracker

	mu      sync.RWMutex
	dataset models.Dataset
	loaded  bool
}

// NewDetectorService constructs the facade. Nil collaborators are replaced
// with defaults; passing a nil cache disables grid memoisation.
func NewDetectorService(logger *slog.Logger, pipeline *detect.Pipeline, slicer *cxmetrics.Slicer, detector *detect.Detector, grids *cache.CohortCache) *DetectorService {
	if logger == nil {
		logger = slog.Default()
	}
	calc := cxmetrics.NewCalculator()
	if slicer == nil {
		slicer = cxmetrics.NewSlicer(calc, 0)
	}
	if pipeline == nil {
		pipeline = detect.NewPipeline(logger, calc, slicer, nil, nil, detect.Params{})
	}
	if detector == nil {
		detector = detect.NewDetector(0, 0, 0, 0, 0)
	}

	s := &DetectorService{
		logger:    logger,
		calc:      calc,
		slicer:    slicer,
		pipeline:  pipeline,
		detector:  detector,
		incidents: pipeline.Incidents(),
		grids:     grids,
		latencies: utils.NewLatencyTracker(1024),
	}
	if grids != nil {
		pipeline.UseGrids(s.cachedGrids)
	}
	return s
}

func (s *DetectorService) cachedGrids(ctx context.Context, ds models.Dataset, window detect.TimeRange, dims []string, minOrders int) ([]models.CohortMetrics, error) {
	key := cache.Key(window.Start, window.End, dims, minOrders)
	if grid, err := s.grids.Get(key); err == nil {
		return grid, nil
	}
	grid, err := s.slicer.AllCohortMetrics(ctx, ds, dims, minOrders)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveCohorts(len(grid))
	s.grids.Set(key, grid)
	return grid, nil
}

// SetDataset replaces the loaded dataset and drops every cached grid.
func (s *DetectorService) SetDataset(ds models.Dataset) {
	s.mu.Lock()
	s.dataset = ds
	s.loaded = true
	s.mu.Unlock()
	if s.grids != nil {
		s.grids.Invalidate()
	}
	s.logger.Info("dataset loaded",
		slog.Int("orders", len(ds.Orders)),
		slog.Int("deliveries", len(ds.Deliveries)),
		slog.Int("items", len(ds.Items)),
	)
}

// Dataset returns the loaded dataset and whether one is present.
func (s *DetectorService) Dataset() (models.Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset, s.loaded
}

// Incidents exposes the shared incident manager.
func (s *DetectorService) Incidents() *detect.Manager {
	return s.incidents
}

// RunDetection executes one detection pass over the given windows and records
// latency and run telemetry.
func (s *DetectorService) RunDetection(ctx context.Context, baseline, current detect.TimeRange, metricsToCheck []string) ([]models.Incident, error) {
	ds, ok := s.Dataset()
	if !ok {
		return nil, ErrNoDataset
	}

	start := time.Now()
	created, err := s.pipeline.DetectIncidents(ctx, ds, baseline, current, metricsToCheck)
	duration := time.Since(start)
	if err != nil {
		telemetry.ObserveDetectionRun(duration, telemetry.OutcomeError)
		s.logger.Error("detection run failed", slog.Any("error", err))
		return created, err
	}

	s.latencies.Observe(duration)
	telemetry.ObserveDetectionRun(duration, telemetry.OutcomeSuccess)
	for _, inc := range created {
		telemetry.ObserveIncident(string(inc.Severity))
	}
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("detection latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	return created, nil
}

// RunDetectionAuto splits the dataset's order-time span in half and compares
// the earlier half against the later one. Used for the boot-time pass and for
// detect requests that omit windows.
func (s *DetectorService) RunDetectionAuto(ctx context.Context, metricsToCheck []string) ([]models.Incident, error) {
	ds, ok := s.Dataset()
	if !ok {
		return nil, ErrNoDataset
	}
	if len(ds.Orders) == 0 {
		return nil, ErrEmptyDataset
	}

	min, max := ds.Orders[0].OrderTime, ds.Orders[0].OrderTime
	for _, o := range ds.Orders[1:] {
		if o.OrderTime.Before(min) {
			min = o.OrderTime
		}
		if o.OrderTime.After(max) {
			max = o.OrderTime
		}
	}
	bs, be, cs, ce := utils.SplitWindows(min, max)
	return s.RunDetection(ctx,
		detect.TimeRange{Start: bs, End: be},
		detect.TimeRange{Start: cs, End: ce},
		metricsToCheck,
	)
}

// MetricsSummary computes the aggregate snapshot for a window, or for the
// whole dataset when start/end are nil.
func (s *DetectorService) MetricsSummary(start, end *time.Time) (models.MetricsSnapshot, error) {
	ds, ok := s.Dataset()
	if !ok {
		return models.MetricsSnapshot{}, ErrNoDataset
	}
	if start != nil && end != nil {
		ds = ds.Window(*start, *end)
	}
	return s.calc.Snapshot(ds), nil
}

// DimensionValues lists the distinct observed values per slicing dimension.
func (s *DetectorService) DimensionValues() (map[string][]string, error) {
	ds, ok := s.Dataset()
	if !ok {
		return nil, ErrNoDataset
	}
	out := make(map[string][]string, len(models.CohortDimensions))
	for _, dim := range models.CohortDimensions {
		out[dim] = s.slicer.DistinctValues(ds.Orders, dim)
	}
	return out, nil
}

// CohortSnapshot computes metrics for one explicit cohort, optionally
// restricted to a window.
func (s *DetectorService) CohortSnapshot(cohort models.Cohort, start, end *time.Time) (models.CohortMetrics, error) {
	ds, ok := s.Dataset()
	if !ok {
		return models.CohortMetrics{}, ErrNoDataset
	}
	if start != nil && end != nil {
		ds = ds.Window(*start, *end)
	}
	return s.slicer.MetricsForCohort(ds, cohort), nil
}

// ErrUnknownMetric signals a metric name MetricsSnapshot does not resolve.
var ErrUnknownMetric = errors.New("unknown metric")

// Trend labels for window comparisons: a cx-score-scale move beyond two
// points in either direction.
const (
	TrendDown   = "down"
	TrendUp     = "up"
	TrendStable = "stable"

	trendDelta = 2.0
)

// WindowComparison pairs the aggregate snapshots of two windows with a trend
// label on the composite score.
type WindowComparison struct {
	Baseline models.MetricsSnapshot `json:"baseline"`
	Current  models.MetricsSnapshot `json:"current"`
	Trend    string                 `json:"trend"`
}

// CompareWindows computes both window snapshots and grades the composite
// score move.
func (s *DetectorService) CompareWindows(baseline, current detect.TimeRange) (WindowComparison, error) {
	ds, ok := s.Dataset()
	if !ok {
		return WindowComparison{}, ErrNoDataset
	}
	cmp := WindowComparison{
		Baseline: s.calc.Snapshot(ds.Window(baseline.Start, baseline.End)),
		Current:  s.calc.Snapshot(ds.Window(current.Start, current.End)),
	}
	delta := cmp.Current.CXScore - cmp.Baseline.CXScore
	switch {
	case delta < -trendDelta:
		cmp.Trend = TrendDown
	case delta > trendDelta:
		cmp.Trend = TrendUp
	default:
		cmp.Trend = TrendStable
	}
	return cmp, nil
}

// SeriesPoint is one bucket of a metric time series with its anomaly verdict.
type SeriesPoint struct {
	Start      time.Time       `json:"start"`
	Value      float64         `json:"value"`
	OrderCount int             `json:"order_count"`
	Anomalous  bool            `json:"anomalous"`
	Severity   models.Severity `json:"severity,omitempty"`
}

// MetricSeries buckets the dataset's order-time span by interval, computes
// the metric per bucket, and flags anomalous buckets with the combined
// detector. Anomalous points carry a percentile-rank severity.
func (s *DetectorService) MetricSeries(metric string, interval time.Duration) ([]SeriesPoint, error) {
	ds, ok := s.Dataset()
	if !ok {
		return nil, ErrNoDataset
	}
	if _, known := (models.MetricsSnapshot{}).Value(metric); !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if len(ds.Orders) == 0 {
		return nil, ErrEmptyDataset
	}

	min, max := ds.Orders[0].OrderTime, ds.Orders[0].OrderTime
	for _, o := range ds.Orders[1:] {
		if o.OrderTime.Before(min) {
			min = o.OrderTime
		}
		if o.OrderTime.After(max) {
			max = o.OrderTime
		}
	}

	var points []SeriesPoint
	var values []float64
	for start := min; !start.After(max); start = start.Add(interval) {
		bucket := ds.Window(start, start.Add(interval))
		snap := s.calc.Snapshot(bucket)
		value, _ := snap.Value(metric)
		points = append(points, SeriesPoint{Start: start, Value: value, OrderCount: snap.OrderCount})
		values = append(values, value)
	}

	flags := s.detector.DetectCombined(values)
	for i := range points {
		if flags[i] {
			points[i].Anomalous = true
			points[i].Severity = s.detector.SeverityOf(points[i].Value, values)
		}
	}
	return points, nil
}

// LatencyP95 returns the current p95 detection latency.
func (s *DetectorService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
