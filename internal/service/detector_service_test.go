package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/cache"
	"github.com/cxpulse/cx-sentinel/internal/detect"
	"github.com/cxpulse/cx-sentinel/internal/models"
)

var serviceBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func serviceDataset() models.Dataset {
	var ds models.Dataset
	addDay := func(dayStart time.Time, prefix string, onTime int) {
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("%s-%03d", prefix, i)
			promised := dayStart.Add(time.Duration(i) * 10 * time.Minute)
			ds.Orders = append(ds.Orders, models.Order{
				OrderID:     id,
				StoreID:     fmt.Sprintf("store_%d", i%2),
				Category:    "grocery",
				PromisedETA: promised,
				OrderTime:   promised.Add(-30 * time.Minute),
				Region:      "west",
				TimeOfDay:   "dinner",
				BasketSize:  "medium",
			})
			offset := 2 * time.Minute
			if i >= onTime {
				offset = 20 * time.Minute
			}
			actual := promised.Add(offset)
			ds.Deliveries = append(ds.Deliveries, models.Delivery{OrderID: id, ActualETA: &actual})
		}
	}
	addDay(serviceBase.Add(time.Hour), "base", 95)
	addDay(serviceBase.Add(25*time.Hour), "cur", 70)
	return ds
}

func newService(withCache bool) *DetectorService {
	pipeline := detect.NewPipeline(nil, nil, nil, nil, nil, detect.Params{Dimensions: []string{"store_id"}})
	var grids *cache.CohortCache
	if withCache {
		grids = cache.New(time.Minute)
	}
	return NewDetectorService(nil, pipeline, nil, nil, grids)
}

func TestRunDetectionWithoutDataset(t *testing.T) {
	svc := newService(false)
	_, err := svc.RunDetectionAuto(context.Background(), nil)
	if !errors.Is(err, ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}
}

func TestRunDetectionAutoFindsRegression(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	created, err := svc.RunDetectionAuto(context.Background(), []string{models.MetricOnTimeRate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(created))
	}
	if created[0].Severity != models.SeverityHigh {
		t.Fatalf("expected HIGH, got %s", created[0].Severity)
	}
}

func TestRunDetectionEmptyDataset(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(models.Dataset{})
	_, err := svc.RunDetectionAuto(context.Background(), nil)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestGridCacheMemoisesAcrossRuns(t *testing.T) {
	svc := newService(true)
	svc.SetDataset(serviceDataset())

	baseline := detect.TimeRange{Start: serviceBase, End: serviceBase.Add(24 * time.Hour)}
	current := detect.TimeRange{Start: serviceBase.Add(24 * time.Hour), End: serviceBase.Add(48 * time.Hour)}

	if _, err := svc.RunDetection(context.Background(), baseline, current, []string{models.MetricOnTimeRate}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.grids.Len() != 2 {
		t.Fatalf("expected 2 cached grids, got %d", svc.grids.Len())
	}

	// Second run over the same windows reuses cached grids.
	if _, err := svc.RunDetection(context.Background(), baseline, current, []string{models.MetricOnTimeRate}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.grids.Len() != 2 {
		t.Fatalf("cache should not grow on repeated windows, got %d", svc.grids.Len())
	}
}

func TestSetDatasetInvalidatesCache(t *testing.T) {
	svc := newService(true)
	svc.SetDataset(serviceDataset())

	if _, err := svc.RunDetectionAuto(context.Background(), []string{models.MetricOnTimeRate}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.grids.Len() == 0 {
		t.Fatalf("expected cached grids after run")
	}

	svc.SetDataset(serviceDataset())
	if svc.grids.Len() != 0 {
		t.Fatalf("expected cache invalidated on dataset swap, got %d", svc.grids.Len())
	}
}

func TestMetricsSummaryWindowing(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	snap, err := svc.MetricsSummary(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.OrderCount != 200 {
		t.Fatalf("expected 200 orders, got %d", snap.OrderCount)
	}

	start := serviceBase
	end := serviceBase.Add(24 * time.Hour)
	snap, err = svc.MetricsSummary(&start, &end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.OrderCount != 100 {
		t.Fatalf("expected 100 orders in window, got %d", snap.OrderCount)
	}
}

func TestDimensionValues(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	dims, err := svc.DimensionValues()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dims["store_id"]; len(got) != 2 || got[0] != "store_0" {
		t.Fatalf("unexpected store values %v", got)
	}
	if got := dims["region"]; len(got) != 1 || got[0] != "west" {
		t.Fatalf("unexpected region values %v", got)
	}
}

func TestCompareWindowsTrend(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	baseline := detect.TimeRange{Start: serviceBase, End: serviceBase.Add(24 * time.Hour)}
	current := detect.TimeRange{Start: serviceBase.Add(24 * time.Hour), End: serviceBase.Add(48 * time.Hour)}

	cmp, err := svc.CompareWindows(baseline, current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A 25-point on-time drop moves the composite score by 7.5 points.
	if cmp.Trend != TrendDown {
		t.Fatalf("expected down trend, got %s", cmp.Trend)
	}
	if cmp.Baseline.OrderCount != 100 || cmp.Current.OrderCount != 100 {
		t.Fatalf("unexpected window sizes: %d/%d", cmp.Baseline.OrderCount, cmp.Current.OrderCount)
	}

	flat, err := svc.CompareWindows(baseline, baseline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flat.Trend != TrendStable {
		t.Fatalf("identical windows should be stable, got %s", flat.Trend)
	}
}

func TestMetricSeries(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	points, err := svc.MetricSeries(models.MetricOnTimeRate, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 daily buckets, got %d", len(points))
	}
	if points[0].OrderCount != 100 || points[1].OrderCount != 100 {
		t.Fatalf("unexpected bucket sizes: %d/%d", points[0].OrderCount, points[1].OrderCount)
	}
	if points[0].Value <= points[1].Value {
		t.Fatalf("expected on-time rate to drop: %f vs %f", points[0].Value, points[1].Value)
	}
	// Two buckets are far below every detector's minimum history.
	for _, p := range points {
		if p.Anomalous {
			t.Fatalf("short series must not flag anomalies: %+v", p)
		}
	}

	if _, err := svc.MetricSeries("not_a_metric", time.Hour); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestCohortSnapshot(t *testing.T) {
	svc := newService(false)
	svc.SetDataset(serviceDataset())

	cm, err := svc.CohortSnapshot(models.Cohort{"store_id": "store_1"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm.OrderCount != 100 {
		t.Fatalf("expected 100 orders in cohort, got %d", cm.OrderCount)
	}
}
