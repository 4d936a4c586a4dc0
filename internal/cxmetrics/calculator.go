package cxmetrics

import (
	"math"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// CX score weights. Cancellation, refund and support are inverted before
// weighting (lower is better).
const (
	weightOnTime       = 0.30
	weightItemAccuracy = 0.25
	weightCancellation = 0.15
	weightRefund       = 0.15
	weightSupport      = 0.10
	weightRating       = 0.05
)

// OnTimeThreshold is the tolerance around the promised ETA within which a
// delivery still counts as on time.
const OnTimeThreshold = 5 * time.Minute

// Calculator computes MetricsSnapshots from the five joined record sets.
// All methods are pure functions of their inputs.
type Calculator struct{}

// NewCalculator creates a metrics calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Snapshot computes the composite CX score and every sub-metric for the
// dataset. Empty inputs resolve to documented neutral defaults rather than
// errors so a detection run always completes.
func (c *Calculator) Snapshot(ds models.Dataset) models.MetricsSnapshot {
	onTime := c.OnTimeRate(ds.Orders, ds.Deliveries)
	etaMAE, etaMean, etaStd := c.ETAError(ds.Orders, ds.Deliveries)
	accuracy := c.ItemAccuracy(ds.Items)
	cancellation := c.CancellationRate(ds.Deliveries)
	refund := c.RefundRate(ds.Items)
	support := c.SupportRate(ds.Orders, ds.SupportEvents)
	rating := c.RatingProxy(ds.Ratings)

	snap := models.MetricsSnapshot{
		OnTimeRate:         onTime,
		OnTimeScore:        onTime * 100,
		ETAMeanAbsErrorMin: etaMAE,
		ETAMeanErrorMin:    etaMean,
		ETAStdErrorMin:     etaStd,
		ItemAccuracy:       accuracy,
		ItemAccuracyScore:  accuracy * 100,
		CancellationRate:   cancellation,
		CancellationScore:  (1 - cancellation) * 100,
		RefundRate:         refund,
		RefundScore:        (1 - refund) * 100,
		SupportRate:        support,
		SupportScore:       (1 - support) * 100,
		RatingProxy:        rating,
		RatingScore:        rating * 100,
		OrderCount:         len(ds.Orders),
	}

	snap.CXScore = weightOnTime*snap.OnTimeScore +
		weightItemAccuracy*snap.ItemAccuracyScore +
		weightCancellation*snap.CancellationScore +
		weightRefund*snap.RefundScore +
		weightSupport*snap.SupportScore +
		weightRating*snap.RatingScore

	if len(ds.Ratings) > 0 {
		total := 0.0
		for _, r := range ds.Ratings {
			total += float64(r.Stars)
		}
		mean := total / float64(len(ds.Ratings))
		snap.MeanStars = &mean
	}

	return snap
}

// OnTimeRate is the fraction of completed deliveries landing within
// OnTimeThreshold of the promised ETA. Canceled orders and orders without an
// actual ETA are excluded; an empty eligible set yields 0.
func (c *Calculator) OnTimeRate(orders []models.Order, deliveries []models.Delivery) float64 {
	promised := promisedByOrder(orders)
	eligible, onTime := 0, 0
	for _, d := range deliveries {
		p, ok := promised[d.OrderID]
		if !ok || d.Canceled || d.ActualETA == nil {
			continue
		}
		eligible++
		diff := d.ActualETA.Sub(p)
		if diff >= -OnTimeThreshold && diff <= OnTimeThreshold {
			onTime++
		}
	}
	if eligible == 0 {
		return 0
	}
	return float64(onTime) / float64(eligible)
}

// ETAError returns mean absolute error, mean signed error, and sample std of
// the signed error, in minutes, over the same eligible set as OnTimeRate.
func (c *Calculator) ETAError(orders []models.Order, deliveries []models.Delivery) (mae, mean, std float64) {
	promised := promisedByOrder(orders)
	var errs []float64
	for _, d := range deliveries {
		p, ok := promised[d.OrderID]
		if !ok || d.Canceled || d.ActualETA == nil {
			continue
		}
		errs = append(errs, d.ActualETA.Sub(p).Minutes())
	}
	if len(errs) == 0 {
		return 0, 0, 0
	}
	sum, absSum := 0.0, 0.0
	for _, e := range errs {
		sum += e
		absSum += math.Abs(e)
	}
	mean = sum / float64(len(errs))
	mae = absSum / float64(len(errs))
	if len(errs) >= 2 {
		ss := 0.0
		for _, e := range errs {
			ss += (e - mean) * (e - mean)
		}
		std = math.Sqrt(ss / float64(len(errs)-1))
	}
	return mae, mean, std
}

// ItemAccuracy is 1 - (substitution rate + missing rate), clamped to [0,1].
// An empty item set is treated as perfect.
func (c *Calculator) ItemAccuracy(items []models.Item) float64 {
	if len(items) == 0 {
		return 1
	}
	substituted, missing := 0, 0
	for _, it := range items {
		if it.Substituted {
			substituted++
		}
		if it.Missing {
			missing++
		}
	}
	n := float64(len(items))
	return clamp01(1 - (float64(substituted)/n + float64(missing)/n))
}

// CancellationRate is the mean of the canceled flag over deliveries.
func (c *Calculator) CancellationRate(deliveries []models.Delivery) float64 {
	if len(deliveries) == 0 {
		return 0
	}
	canceled := 0
	for _, d := range deliveries {
		if d.Canceled {
			canceled++
		}
	}
	return float64(canceled) / float64(len(deliveries))
}

// RefundRate is the fraction of orders whose summed item refunds exceed zero.
func (c *Calculator) RefundRate(items []models.Item) float64 {
	if len(items) == 0 {
		return 0
	}
	totals := make(map[string]float64)
	for _, it := range items {
		totals[it.OrderID] += it.RefundAmount
	}
	refunded := 0
	for _, amount := range totals {
		if amount > 0 {
			refunded++
		}
	}
	return float64(refunded) / float64(len(totals))
}

// SupportRate is distinct orders with at least one support event divided by
// distinct orders overall.
func (c *Calculator) SupportRate(orders []models.Order, events []models.SupportEvent) float64 {
	total := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		total[o.OrderID] = struct{}{}
	}
	if len(total) == 0 {
		return 0
	}
	contacted := make(map[string]struct{})
	for _, ev := range events {
		contacted[ev.OrderID] = struct{}{}
	}
	return float64(len(contacted)) / float64(len(total))
}

// RatingProxy normalises mean stars onto [0,1]; no ratings defaults to the
// neutral 0.5 rather than zero.
func (c *Calculator) RatingProxy(ratings []models.Rating) float64 {
	if len(ratings) == 0 {
		return 0.5
	}
	total := 0.0
	for _, r := range ratings {
		total += float64(r.Stars)
	}
	mean := total / float64(len(ratings))
	return clamp01((mean - 1) / 4)
}

func promisedByOrder(orders []models.Order) map[string]time.Time {
	m := make(map[string]time.Time, len(orders))
	for _, o := range orders {
		m[o.OrderID] = o.PromisedETA
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
