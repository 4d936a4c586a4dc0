package detect

import (
	"math"
	"sort"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// Detector defaults.
const (
	DefaultZScoreThreshold = 2.5
	DefaultZScoreWindow    = 30
	DefaultEWMAAlpha       = 0.3
	DefaultEWMAThreshold   = 2.0
	DefaultMinSegmentSize  = 5

	// ewmaWarmup: indices below this are never flagged, the residual history
	// is too short for a meaningful std.
	ewmaWarmup = 10
	// changePointThreshold on the pooled-std-normalised mean difference.
	changePointThreshold = 2.0
)

// Detector flags statistically unusual points in a chronological metric
// series using three independent methods and a majority-vote combiner.
// Degenerate inputs (zero variance, short history) always resolve to
// "not anomalous" rather than errors.
type Detector struct {
	zScoreThreshold float64
	zScoreWindow    int
	ewmaAlpha       float64
	ewmaThreshold   float64
	minSegmentSize  int
}

// NewDetector constructs a detector; non-positive parameters select defaults.
func NewDetector(zScoreThreshold float64, zScoreWindow int, ewmaAlpha, ewmaThreshold float64, minSegmentSize int) *Detector {
	if zScoreThreshold <= 0 {
		zScoreThreshold = DefaultZScoreThreshold
	}
	if zScoreWindow <= 0 {
		zScoreWindow = DefaultZScoreWindow
	}
	if ewmaAlpha <= 0 || ewmaAlpha > 1 {
		ewmaAlpha = DefaultEWMAAlpha
	}
	if ewmaThreshold <= 0 {
		ewmaThreshold = DefaultEWMAThreshold
	}
	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}
	return &Detector{
		zScoreThreshold: zScoreThreshold,
		zScoreWindow:    zScoreWindow,
		ewmaAlpha:       ewmaAlpha,
		ewmaThreshold:   ewmaThreshold,
		minSegmentSize:  minSegmentSize,
	}
}

// DetectZScore flags points whose deviation from the rolling window mean
// exceeds the threshold in std units. Indices below the window size use all
// available history; fewer than two observations or zero std never flag.
func (d *Detector) DetectZScore(values []float64) []bool {
	flags := make([]bool, len(values))
	for i := range values {
		var window []float64
		if i < d.zScoreWindow {
			window = values[:i+1]
		} else {
			window = values[i-d.zScoreWindow+1 : i+1]
		}
		if len(window) < 2 {
			continue
		}
		mean, std := meanStd(window)
		if std == 0 {
			continue
		}
		flags[i] = math.Abs(values[i]-mean)/std > d.zScoreThreshold
	}
	return flags
}

// DetectEWMA smooths the series exponentially and flags points whose residual
// exceeds the threshold in units of recent residual std. The first ewmaWarmup
// points are never flagged.
func (d *Detector) DetectEWMA(values []float64) ([]float64, []bool) {
	if len(values) == 0 {
		return nil, nil
	}
	smoothed := make([]float64, len(values))
	flags := make([]bool, len(values))
	smoothed[0] = values[0]
	residuals := make([]float64, len(values))

	for i := 1; i < len(values); i++ {
		smoothed[i] = d.ewmaAlpha*values[i] + (1-d.ewmaAlpha)*smoothed[i-1]
		residuals[i] = values[i] - smoothed[i]
		if i < ewmaWarmup {
			continue
		}
		recent := residuals[:i+1]
		if len(recent) > ewmaWarmup {
			recent = recent[len(recent)-ewmaWarmup:]
		}
		_, std := meanStd(recent)
		if std == 0 {
			continue
		}
		flags[i] = math.Abs(values[i]-smoothed[i])/std > d.ewmaThreshold
	}
	return smoothed, flags
}

// DetectChangePoints returns the split indices where the mean shifts by more
// than changePointThreshold pooled stds between the two sides. Series shorter
// than twice the minimum segment size have no change points.
func (d *Detector) DetectChangePoints(values []float64) []int {
	if len(values) < 2*d.minSegmentSize {
		return nil
	}
	var points []int
	for i := d.minSegmentSize; i <= len(values)-d.minSegmentSize; i++ {
		mean1, std1 := meanStd(values[:i])
		mean2, std2 := meanStd(values[i:])
		if std1 == 0 || std2 == 0 {
			continue
		}
		pooled := math.Sqrt((std1*std1 + std2*std2) / 2)
		if pooled == 0 {
			continue
		}
		if math.Abs(mean1-mean2)/pooled > changePointThreshold {
			points = append(points, i)
		}
	}
	return points
}

// DetectCombined runs all three methods and flags a point when at least two
// of them agree. This is the pipeline's default method.
func (d *Detector) DetectCombined(values []float64) []bool {
	zFlags := d.DetectZScore(values)
	_, ewmaFlags := d.DetectEWMA(values)
	cpFlags := make([]bool, len(values))
	for _, cp := range d.DetectChangePoints(values) {
		cpFlags[cp] = true
	}

	combined := make([]bool, len(values))
	for i := range values {
		votes := 0
		if zFlags[i] {
			votes++
		}
		if i < len(ewmaFlags) && ewmaFlags[i] {
			votes++
		}
		if cpFlags[i] {
			votes++
		}
		combined[i] = votes >= 2
	}
	return combined
}

// SeverityOf grades an anomalous value by its percentile rank within the full
// population: below the 5th percentile is HIGH, below the 10th MEDIUM, else
// LOW. Rank is taken on raw values, not absolute deviation.
func (d *Detector) SeverityOf(value float64, population []float64) models.Severity {
	p := percentileRank(value, population)
	switch {
	case p < 5:
		return models.SeverityHigh
	case p < 10:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// percentileRank is the mean-rank percentile of value within population:
// (count below + count at-or-below) / 2 over n, as a percentage.
func percentileRank(value float64, population []float64) float64 {
	if len(population) == 0 {
		return 100
	}
	sorted := append([]float64(nil), population...)
	sort.Float64s(sorted)
	below := sort.SearchFloat64s(sorted, value)
	atOrBelow := sort.Search(len(sorted), func(i int) bool { return sorted[i] > value })
	return (float64(below) + float64(atOrBelow)) / 2 / float64(len(sorted)) * 100
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
