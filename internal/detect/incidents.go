package detect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// ErrIncidentNotFound signals a lookup against an unknown incident id. The
// API layer translates it into a user-facing error.
type ErrIncidentNotFound struct {
	IncidentID string
}

func (e ErrIncidentNotFound) Error() string {
	return fmt.Sprintf("incident %s not found", e.IncidentID)
}

// Severity thresholds. cx_score regressions are graded on absolute delta,
// every other metric on absolute percentage change.
const (
	cxScoreHighDelta   = 15.0
	cxScoreMediumDelta = 8.0
	rateHighDeltaPct   = 20.0
	rateMediumDeltaPct = 10.0
)

// Ranking score components: base by severity tier, magnitude from the delta,
// and a recency bonus decaying linearly to zero over ten days.
const (
	rankBaseHigh     = 100.0
	rankBaseMedium   = 50.0
	rankBaseLow      = 10.0
	rankRecencyCeil  = 10.0
	rankRecencyDecay = 24.0
)

// Manager owns the process-lifetime incident collection: creation, status
// transitions, ranking and summary queries. All collection access is
// serialised; incidents returned to callers are copies.
type Manager struct {
	mu        sync.RWMutex
	incidents []*models.Incident
	byID      map[string]*models.Incident
}

// NewManager constructs an empty incident manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*models.Incident)}
}

// CreateIncident records a new incident with a fresh unique id and an initial
// status of "new". Delta and delta percent default to zero when the baseline
// is absent or zero.
func (m *Manager) CreateIncident(metricName string, metricValue float64, baselineValue *float64, detectedAt time.Time, affectedCohorts []models.Cohort, topSlices []models.RankedSlice, description string) models.Incident {
	var delta, deltaPercent float64
	if baselineValue != nil {
		delta = metricValue - *baselineValue
		if *baselineValue != 0 {
			deltaPercent = delta / *baselineValue * 100
		}
	}

	inc := &models.Incident{
		IncidentID:          "inc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		DetectedAt:          detectedAt,
		MetricName:          metricName,
		MetricValue:         metricValue,
		BaselineValue:       baselineValue,
		Delta:               delta,
		DeltaPercent:        deltaPercent,
		Severity:            severityFor(metricName, delta, deltaPercent),
		Status:              models.StatusNew,
		AffectedCohorts:     append([]models.Cohort(nil), affectedCohorts...),
		TopRegressingSlices: append([]models.RankedSlice(nil), topSlices...),
		Description:         description,
	}

	m.mu.Lock()
	m.incidents = append(m.incidents, inc)
	m.byID[inc.IncidentID] = inc
	m.mu.Unlock()

	return *inc
}

func severityFor(metricName string, delta, deltaPercent float64) models.Severity {
	if metricName == models.MetricCXScore {
		switch {
		case abs(delta) >= cxScoreHighDelta:
			return models.SeverityHigh
		case abs(delta) >= cxScoreMediumDelta:
			return models.SeverityMedium
		default:
			return models.SeverityLow
		}
	}
	switch {
	case abs(deltaPercent) >= rateHighDeltaPct:
		return models.SeverityHigh
	case abs(deltaPercent) >= rateMediumDeltaPct:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Get returns a copy of the incident or ErrIncidentNotFound.
func (m *Manager) Get(incidentID string) (models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.byID[incidentID]
	if !ok {
		return models.Incident{}, ErrIncidentNotFound{IncidentID: incidentID}
	}
	return *inc, nil
}

// UpdateStatus sets the incident's status. Any valid status value is accepted
// regardless of the current state; transitions are deliberately
// unconstrained so operators can override the lifecycle manually.
func (m *Manager) UpdateStatus(incidentID string, status models.Status) error {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.byID[incidentID]
	if !ok {
		return ErrIncidentNotFound{IncidentID: incidentID}
	}
	inc.Status = status
	return nil
}

// QueryFilter narrows a Query; nil fields match everything.
type QueryFilter struct {
	Status   *models.Status
	Severity *models.Severity
	Limit    int
}

// Query returns incidents matching the filter, sorted by severity rank then
// most recent detection, truncated to the limit when positive.
func (m *Manager) Query(filter QueryFilter) []models.Incident {
	m.mu.RLock()
	out := make([]models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if filter.Status != nil && inc.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && inc.Severity != *filter.Severity {
			continue
		}
		out = append(out, *inc)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// RankedIncident pairs an incident copy with its ranking score. Scores are
// computed on the fly; stored incidents are never annotated.
type RankedIncident struct {
	Incident models.Incident `json:"incident"`
	Score    float64         `json:"score"`
}

// Rank scores every incident as severity base + delta magnitude + recency
// bonus and returns them sorted descending. The sort is stable, so ties keep
// insertion order.
func (m *Manager) Rank(now time.Time) []RankedIncident {
	m.mu.RLock()
	ranked := make([]RankedIncident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		ranked = append(ranked, RankedIncident{Incident: *inc, Score: rankScore(*inc, now)})
	}
	m.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func rankScore(inc models.Incident, now time.Time) float64 {
	var base float64
	switch inc.Severity {
	case models.SeverityHigh:
		base = rankBaseHigh
	case models.SeverityMedium:
		base = rankBaseMedium
	default:
		base = rankBaseLow
	}

	magnitude := abs(inc.DeltaPercent)
	if inc.MetricName == models.MetricCXScore {
		magnitude = abs(inc.Delta) * 2
	}

	hoursAgo := now.Sub(inc.DetectedAt).Hours()
	recency := rankRecencyCeil - hoursAgo/rankRecencyDecay
	if recency < 0 {
		recency = 0
	}

	return base + magnitude + recency
}

// Summary aggregates incident counts by status and severity.
type Summary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
	Active     int            `json:"active"`
}

// Summarize returns counts over the whole collection; active counts every
// non-resolved incident.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Total:      len(m.incidents),
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, inc := range m.incidents {
		s.ByStatus[string(inc.Status)]++
		s.BySeverity[string(inc.Severity)]++
		if inc.Status != models.StatusResolved {
			s.Active++
		}
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
