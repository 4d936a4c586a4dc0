package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cxpulse/cx-sentinel/internal/cxmetrics"
	"github.com/cxpulse/cx-sentinel/internal/detect"
	"github.com/cxpulse/cx-sentinel/internal/models"
	"github.com/cxpulse/cx-sentinel/internal/service"
	"github.com/cxpulse/cx-sentinel/internal/utils"
)

// errorBody is the uniform error envelope returned by every endpoint.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type handlers struct {
	logger *slog.Logger
	svc    *service.DetectorService
}

func newHandlers(logger *slog.Logger, svc *service.DetectorService) *handlers {
	return &handlers{logger: logger, svc: svc}
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/healthz", h.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/incidents", h.listIncidents)
		v1.GET("/incidents/ranked", h.rankedIncidents)
		v1.GET("/incidents/summary", h.incidentSummary)
		v1.GET("/incidents/:id", h.getIncident)
		v1.POST("/incidents/:id/status", h.updateIncidentStatus)
		v1.POST("/detect", h.detect)
		v1.GET("/metrics/summary", h.metricsSummary)
		v1.GET("/metrics/series", h.metricSeries)
		v1.GET("/metrics/dimensions", h.metricDimensions)
		v1.POST("/metrics/cohort", h.cohortMetrics)
	}
}

func (h *handlers) health(c *gin.Context) {
	_, loaded := h.svc.Dataset()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"dataset_loaded": loaded,
		"incidents":      h.svc.Incidents().Summarize().Total,
	})
}

func (h *handlers) listIncidents(c *gin.Context) {
	var filter detect.QueryFilter

	if v := c.Query("status"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			badRequest(c, "invalid_status", err.Error())
			return
		}
		filter.Status = &status
	}
	if v := c.Query("severity"); v != "" {
		severity, err := models.ParseSeverity(v)
		if err != nil {
			badRequest(c, "invalid_severity", err.Error())
			return
		}
		filter.Severity = &severity
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			badRequest(c, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	incidents := h.svc.Incidents().Query(filter)
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func (h *handlers) rankedIncidents(c *gin.Context) {
	ranked := h.svc.Incidents().Rank(time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{"incidents": ranked, "count": len(ranked)})
}

func (h *handlers) incidentSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Incidents().Summarize())
}

func (h *handlers) getIncident(c *gin.Context) {
	inc, err := h.svc.Incidents().Get(c.Param("id"))
	if err != nil {
		var notFound detect.ErrIncidentNotFound
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, errorBody{Code: "incident_not_found", Message: err.Error()})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

func (h *handlers) updateIncidentStatus(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		badRequest(c, "invalid_status", err.Error())
		return
	}

	if err := h.svc.Incidents().UpdateStatus(c.Param("id"), status); err != nil {
		var notFound detect.ErrIncidentNotFound
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, errorBody{Code: "incident_not_found", Message: err.Error()})
			return
		}
		badRequest(c, "invalid_status", err.Error())
		return
	}

	inc, err := h.svc.Incidents().Get(c.Param("id"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// detectRequest triggers a detection run. Windows are optional as a group;
// when omitted the dataset's order-time span is split in half.
type detectRequest struct {
	BaselineStart  *time.Time `json:"baseline_start"`
	BaselineEnd    *time.Time `json:"baseline_end"`
	CurrentStart   *time.Time `json:"current_start"`
	CurrentEnd     *time.Time `json:"current_end"`
	MetricsToCheck []string   `json:"metrics_to_check"`
}

func (r detectRequest) hasWindows() bool {
	return r.BaselineStart != nil || r.BaselineEnd != nil || r.CurrentStart != nil || r.CurrentEnd != nil
}

func (r detectRequest) windows() (baseline, current detect.TimeRange, err error) {
	if r.BaselineStart == nil || r.BaselineEnd == nil || r.CurrentStart == nil || r.CurrentEnd == nil {
		return baseline, current, errors.New("baseline_start, baseline_end, current_start and current_end must all be set")
	}
	if !r.BaselineStart.Before(*r.BaselineEnd) || !r.CurrentStart.Before(*r.CurrentEnd) {
		return baseline, current, errors.New("window start must precede window end")
	}
	return detect.TimeRange{Start: *r.BaselineStart, End: *r.BaselineEnd},
		detect.TimeRange{Start: *r.CurrentStart, End: *r.CurrentEnd}, nil
}

func (h *handlers) detect(c *gin.Context) {
	var req detectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_body", err.Error())
			return
		}
	}

	var (
		created []models.Incident
		err     error
	)
	if req.hasWindows() {
		baseline, current, werr := req.windows()
		if werr != nil {
			badRequest(c, "invalid_windows", werr.Error())
			return
		}
		created, err = h.svc.RunDetection(c.Request.Context(), baseline, current, req.MetricsToCheck)
	} else {
		created, err = h.svc.RunDetectionAuto(c.Request.Context(), req.MetricsToCheck)
	}

	if err != nil {
		h.detectionError(c, err)
		return
	}
	if created == nil {
		created = []models.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": created, "count": len(created)})
}

func (h *handlers) detectionError(c *gin.Context, err error) {
	var tooLarge cxmetrics.ErrCohortSpaceTooLarge
	switch {
	case errors.Is(err, service.ErrNoDataset), errors.Is(err, service.ErrEmptyDataset):
		c.JSON(http.StatusConflict, errorBody{Code: "no_dataset", Message: err.Error()})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusUnprocessableEntity, errorBody{
			Code:    "cohort_space_too_large",
			Message: err.Error(),
			Details: gin.H{"projected": tooLarge.Projected, "limit": tooLarge.Limit},
		})
	default:
		h.internalError(c, err)
	}
}

// metricsSummary has two modes: a single snapshot for start/end (or the whole
// dataset), or a baseline/current comparison with a trend label when the four
// baseline_*/current_* parameters are given.
func (h *handlers) metricsSummary(c *gin.Context) {
	if c.Query("baseline_start") != "" || c.Query("current_start") != "" {
		baseline, err := rangeFromQuery(c, "baseline_start", "baseline_end")
		if err != nil {
			badRequest(c, "invalid_window", err.Error())
			return
		}
		current, err := rangeFromQuery(c, "current_start", "current_end")
		if err != nil {
			badRequest(c, "invalid_window", err.Error())
			return
		}
		cmp, err := h.svc.CompareWindows(baseline, current)
		if err != nil {
			h.detectionError(c, err)
			return
		}
		c.JSON(http.StatusOK, cmp)
		return
	}

	start, end, err := windowFromQuery(c)
	if err != nil {
		badRequest(c, "invalid_window", err.Error())
		return
	}
	snap, err := h.svc.MetricsSummary(start, end)
	if err != nil {
		h.detectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) metricSeries(c *gin.Context) {
	metric := c.Query("metric")
	if metric == "" {
		badRequest(c, "invalid_metric", "metric query parameter is required")
		return
	}
	interval := 24 * time.Hour
	if v := c.Query("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(c, "invalid_interval", "interval must be a positive duration")
			return
		}
		interval = d
	}

	points, err := h.svc.MetricSeries(metric, interval)
	if err != nil {
		if errors.Is(err, service.ErrUnknownMetric) {
			badRequest(c, "invalid_metric", err.Error())
			return
		}
		h.detectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": metric, "points": points, "count": len(points)})
}

func (h *handlers) metricDimensions(c *gin.Context) {
	dims, err := h.svc.DimensionValues()
	if err != nil {
		h.detectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dimensions": dims})
}

type cohortMetricsRequest struct {
	Cohort models.Cohort `json:"cohort"`
	Start  *time.Time    `json:"start"`
	End    *time.Time    `json:"end"`
}

func (h *handlers) cohortMetrics(c *gin.Context) {
	var req cohortMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if len(req.Cohort) == 0 {
		badRequest(c, "invalid_cohort", "cohort must name at least one dimension")
		return
	}
	for dim := range req.Cohort {
		if !validDimension(dim) {
			badRequest(c, "invalid_cohort", "unknown dimension "+dim)
			return
		}
	}
	if (req.Start == nil) != (req.End == nil) {
		badRequest(c, "invalid_window", "start and end must be provided together")
		return
	}

	cm, err := h.svc.CohortSnapshot(req.Cohort, req.Start, req.End)
	if err != nil {
		h.detectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cohort":  cm.Cohort,
		"label":   cm.Cohort.Label(),
		"metrics": cm.Snapshot,
	})
}

func validDimension(dim string) bool {
	for _, d := range models.CohortDimensions {
		if d == dim {
			return true
		}
	}
	return false
}

func rangeFromQuery(c *gin.Context, startKey, endKey string) (detect.TimeRange, error) {
	start, err := utils.ParseRFC3339(c.Query(startKey))
	if err != nil {
		return detect.TimeRange{}, fmt.Errorf("%s: %w", startKey, err)
	}
	end, err := utils.ParseRFC3339(c.Query(endKey))
	if err != nil {
		return detect.TimeRange{}, fmt.Errorf("%s: %w", endKey, err)
	}
	if !start.Before(end) {
		return detect.TimeRange{}, fmt.Errorf("%s must precede %s", startKey, endKey)
	}
	return detect.TimeRange{Start: start, End: end}, nil
}

func windowFromQuery(c *gin.Context) (*time.Time, *time.Time, error) {
	startRaw, endRaw := c.Query("start"), c.Query("end")
	if startRaw == "" && endRaw == "" {
		return nil, nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, nil, errors.New("start and end must be provided together")
	}
	start, err := utils.ParseRFC3339(startRaw)
	if err != nil {
		return nil, nil, err
	}
	end, err := utils.ParseRFC3339(endRaw)
	if err != nil {
		return nil, nil, err
	}
	if !start.Before(end) {
		return nil, nil, errors.New("start must precede end")
	}
	return &start, &end, nil
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Code: code, Message: msg})
}

func (h *handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("request failed", slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error"})
}
