package models

// Metric names accepted by MetricsSnapshot.Value and the detection pipeline.
const (
	MetricCXScore          = "cx_score"
	MetricOnTimeRate       = "on_time_rate"
	MetricItemAccuracy     = "item_accuracy"
	MetricCancellationRate = "cancellation_rate"
	MetricRefundRate       = "refund_rate"
	MetricSupportRate      = "support_rate"
	MetricRatingProxy      = "rating_proxy"
)

// MetricsSnapshot is the composite CX score plus every sub-metric for one
// slice of orders. Produced fresh on each computation and never mutated.
type MetricsSnapshot struct {
	CXScore float64 `json:"cx_score"`

	OnTimeRate  float64 `json:"on_time_rate"`
	OnTimeScore float64 `json:"on_time_score"`

	ETAMeanAbsErrorMin float64 `json:"eta_mean_absolute_error"`
	ETAMeanErrorMin    float64 `json:"eta_mean_error"`
	ETAStdErrorMin     float64 `json:"eta_std_error"`

	ItemAccuracy      float64 `json:"item_accuracy"`
	ItemAccuracyScore float64 `json:"item_accuracy_score"`

	CancellationRate  float64 `json:"cancellation_rate"`
	CancellationScore float64 `json:"cancellation_score"`

	RefundRate  float64 `json:"refund_rate"`
	RefundScore float64 `json:"refund_score"`

	SupportRate  float64 `json:"support_rate"`
	SupportScore float64 `json:"support_score"`

	RatingProxy float64 `json:"rating_proxy"`
	RatingScore float64 `json:"rating_score"`

	// MeanStars is nil when the slice has no ratings.
	MeanStars *float64 `json:"mean_stars,omitempty"`

	OrderCount int `json:"order_count"`
}

// Value resolves a metric by its public snake_case name.
func (s MetricsSnapshot) Value(name string) (float64, bool) {
	switch name {
	case MetricCXScore:
		return s.CXScore, true
	case MetricOnTimeRate:
		return s.OnTimeRate, true
	case MetricItemAccuracy:
		return s.ItemAccuracy, true
	case MetricCancellationRate:
		return s.CancellationRate, true
	case MetricRefundRate:
		return s.RefundRate, true
	case MetricSupportRate:
		return s.SupportRate, true
	case MetricRatingProxy:
		return s.RatingProxy, true
	default:
		return 0, false
	}
}

// CohortMetrics pairs a cohort with its snapshot. OrderCount duplicates the
// snapshot's count for callers that never open the snapshot.
type CohortMetrics struct {
	Cohort     Cohort          `json:"cohort"`
	Snapshot   MetricsSnapshot `json:"metrics"`
	OrderCount int             `json:"order_count"`
}
