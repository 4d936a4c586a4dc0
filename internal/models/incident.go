package models

import (
	"fmt"
	"time"
)

// Severity captures regression impact tiers.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Rank orders severities for sorting; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity validates a severity value supplied by a caller.
func ParseSeverity(v string) (Severity, error) {
	switch Severity(v) {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(v), nil
	default:
		return "", fmt.Errorf("invalid severity %q", v)
	}
}

// Status is the incident lifecycle state.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

// ParseStatus validates a status value supplied by a caller.
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusNew, StatusInvestigating, StatusResolved:
		return Status(v), nil
	default:
		return "", fmt.Errorf("invalid incident status %q", v)
	}
}

// RankedSlice is one regressing cohort with its delta and approximate
// significance, as produced by the slicing engine.
type RankedSlice struct {
	Cohort        Cohort  `json:"cohort"`
	BaselineValue float64 `json:"baseline_value"`
	CurrentValue  float64 `json:"current_value"`
	Delta         float64 `json:"delta"`
	DeltaPercent  float64 `json:"delta_percent"`
	OrderCount    int     `json:"order_count"`
	// PValue is the heuristic approximation, not a rigorous test result.
	// Nil when either period lacked the minimum sample.
	PValue       *float64 `json:"p_value,omitempty"`
	Significance string   `json:"significance"`
}

// Incident records one detected metric regression. Status is the only field
// mutable after creation; everything else is fixed at detection time.
type Incident struct {
	IncidentID          string        `json:"incident_id"`
	DetectedAt          time.Time     `json:"detected_at"`
	MetricName          string        `json:"metric_name"`
	MetricValue         float64       `json:"metric_value"`
	BaselineValue       *float64      `json:"baseline_value,omitempty"`
	Delta               float64       `json:"delta"`
	DeltaPercent        float64       `json:"delta_percent"`
	Severity            Severity      `json:"severity"`
	Status              Status        `json:"status"`
	AffectedCohorts     []Cohort      `json:"affected_cohorts"`
	TopRegressingSlices []RankedSlice `json:"top_regressing_slices"`
	Description         string        `json:"description,omitempty"`
}
