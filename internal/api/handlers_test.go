package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cxpulse/cx-sentinel/internal/config"
	"github.com/cxpulse/cx-sentinel/internal/detect"
	"github.com/cxpulse/cx-sentinel/internal/models"
	"github.com/cxpulse/cx-sentinel/internal/service"
)

var testBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// testDataset builds two days of orders with an on-time regression in the
// second day.
func testDataset() models.Dataset {
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
	addDay(testBase.Add(time.Hour), "base", 95)
	addDay(testBase.Add(25*time.Hour), "cur", 70)
	return ds
}

func newTestServer(t *testing.T, withData bool) (*Server, *service.DetectorService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pipeline := detect.NewPipeline(nil, nil, nil, nil, nil, detect.Params{Dimensions: []string{"store_id"}})
	svc := service.NewDetectorService(nil, pipeline, nil, nil, nil)
	if withData {
		svc.SetDataset(testDataset())
	}
	return NewServer(config.ServerConfig{Address: ":0"}, nil, svc), svc
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, true)
	w := doRequest(t, srv, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	decodeJSON(t, w, &body)
	if body["status"] != "ok" || body["dataset_loaded"] != true {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestDetectAndListIncidents(t *testing.T) {
	srv, _ := newTestServer(t, true)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/detect",
		`{"metrics_to_check": ["on_time_rate"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("detect failed: %d %s", w.Code, w.Body.String())
	}
	var detectResp struct {
		Incidents []models.Incident `json:"incidents"`
		Count     int               `json:"count"`
	}
	decodeJSON(t, w, &detectResp)
	if detectResp.Count != 1 {
		t.Fatalf("expected 1 incident, got %d", detectResp.Count)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/incidents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d", w.Code)
	}
	var listResp struct {
		Incidents []models.Incident `json:"incidents"`
	}
	decodeJSON(t, w, &listResp)
	if len(listResp.Incidents) != 1 {
		t.Fatalf("expected 1 listed incident, got %d", len(listResp.Incidents))
	}

	id := listResp.Incidents[0].IncidentID
	w = doRequest(t, srv, http.MethodGet, "/api/v1/incidents/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get incident failed: %d", w.Code)
	}
}

func TestDetectWithExplicitWindows(t *testing.T) {
	srv, _ := newTestServer(t, true)
	body := fmt.Sprintf(`{
		"baseline_start": %q, "baseline_end": %q,
		"current_start": %q, "current_end": %q,
		"metrics_to_check": ["on_time_rate"]
	}`,
		testBase.Format(time.RFC3339), testBase.Add(24*time.Hour).Format(time.RFC3339),
		testBase.Add(24*time.Hour).Format(time.RFC3339), testBase.Add(48*time.Hour).Format(time.RFC3339))

	w := doRequest(t, srv, http.MethodPost, "/api/v1/detect", body)
	if w.Code != http.StatusOK {
		t.Fatalf("detect failed: %d %s", w.Code, w.Body.String())
	}
}

func TestDetectPartialWindowsRejected(t *testing.T) {
	srv, _ := newTestServer(t, true)
	w := doRequest(t, srv, http.MethodPost, "/api/v1/detect",
		fmt.Sprintf(`{"baseline_start": %q}`, testBase.Format(time.RFC3339)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for partial windows, got %d", w.Code)
	}
}

func TestDetectWithoutDataset(t *testing.T) {
	srv, _ := newTestServer(t, false)
	w := doRequest(t, srv, http.MethodPost, "/api/v1/detect", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without dataset, got %d", w.Code)
	}
	var body errorBody
	decodeJSON(t, w, &body)
	if body.Code != "no_dataset" {
		t.Fatalf("expected no_dataset code, got %s", body.Code)
	}
}

func TestGetUnknownIncidentReturns404(t *testing.T) {
	srv, _ := newTestServer(t, true)
	w := doRequest(t, srv, http.MethodGet, "/api/v1/incidents/inc_missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body errorBody
	decodeJSON(t, w, &body)
	if body.Code != "incident_not_found" {
		t.Fatalf("expected incident_not_found, got %s", body.Code)
	}
}

func TestUpdateIncidentStatus(t *testing.T) {
	srv, svc := newTestServer(t, true)
	baseline := 0.95
	inc := svc.Incidents().CreateIncident(models.MetricOnTimeRate, 0.70, &baseline, time.Now(), nil, nil, "")

	w := doRequest(t, srv, http.MethodPost, "/api/v1/incidents/"+inc.IncidentID+"/status",
		`{"status": "investigating"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status update failed: %d %s", w.Code, w.Body.String())
	}
	var updated models.Incident
	decodeJSON(t, w, &updated)
	if updated.Status != models.StatusInvestigating {
		t.Fatalf("expected investigating, got %s", updated.Status)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/incidents/"+inc.IncidentID+"/status",
		`{"status": "bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/incidents/inc_missing/status",
		`{"status": "resolved"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown incident, got %d", w.Code)
	}
}

func TestIncidentQueryFilters(t *testing.T) {
	srv, svc := newTestServer(t, true)
	baseline := 0.95
	svc.Incidents().CreateIncident(models.MetricOnTimeRate, 0.70, &baseline, time.Now(), nil, nil, "")

	w := doRequest(t, srv, http.MethodGet, "/api/v1/incidents?severity=HIGH", "")
	if w.Code != http.StatusOK {
		t.Fatalf("filtered list failed: %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/incidents?severity=EXTREME", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad severity, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/incidents?limit=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", w.Code)
	}
}

func TestRankedAndSummaryEndpoints(t *testing.T) {
	srv, svc := newTestServer(t, true)
	baseline := 0.95
	svc.Incidents().CreateIncident(models.MetricOnTimeRate, 0.70, &baseline, time.Now(), nil, nil, "")

	w := doRequest(t, srv, http.MethodGet, "/api/v1/incidents/ranked", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ranked failed: %d", w.Code)
	}
	var ranked struct {
		Incidents []detect.RankedIncident `json:"incidents"`
	}
	decodeJSON(t, w, &ranked)
	if len(ranked.Incidents) != 1 || ranked.Incidents[0].Score <= 0 {
		t.Fatalf("unexpected ranked response: %v", ranked)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/incidents/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary failed: %d", w.Code)
	}
	var summary detect.Summary
	decodeJSON(t, w, &summary)
	if summary.Total != 1 {
		t.Fatalf("expected total 1, got %d", summary.Total)
	}
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary failed: %d", w.Code)
	}
	var snap models.MetricsSnapshot
	decodeJSON(t, w, &snap)
	if snap.OrderCount != 200 {
		t.Fatalf("expected 200 orders, got %d", snap.OrderCount)
	}

	start := testBase.Format(time.RFC3339)
	end := testBase.Add(24 * time.Hour).Format(time.RFC3339)
	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/summary?start="+start+"&end="+end, "")
	if w.Code != http.StatusOK {
		t.Fatalf("windowed summary failed: %d", w.Code)
	}
	decodeJSON(t, w, &snap)
	if snap.OrderCount != 100 {
		t.Fatalf("expected 100 orders in window, got %d", snap.OrderCount)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/summary?start="+start, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for lone start, got %d", w.Code)
	}
}

func TestMetricsSummaryComparisonMode(t *testing.T) {
	srv, _ := newTestServer(t, true)

	q := fmt.Sprintf("baseline_start=%s&baseline_end=%s&current_start=%s&current_end=%s",
		testBase.Format(time.RFC3339), testBase.Add(24*time.Hour).Format(time.RFC3339),
		testBase.Add(24*time.Hour).Format(time.RFC3339), testBase.Add(48*time.Hour).Format(time.RFC3339))
	w := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/summary?"+q, "")
	if w.Code != http.StatusOK {
		t.Fatalf("comparison failed: %d %s", w.Code, w.Body.String())
	}
	var cmp service.WindowComparison
	decodeJSON(t, w, &cmp)
	if cmp.Trend != service.TrendDown {
		t.Fatalf("expected down trend, got %s", cmp.Trend)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/summary?baseline_start=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed comparison window, got %d", w.Code)
	}
}

func TestMetricSeriesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/series?metric=on_time_rate&interval=24h", "")
	if w.Code != http.StatusOK {
		t.Fatalf("series failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Metric string                `json:"metric"`
		Points []service.SeriesPoint `json:"points"`
	}
	decodeJSON(t, w, &resp)
	if resp.Metric != "on_time_rate" || len(resp.Points) != 2 {
		t.Fatalf("unexpected series response: %+v", resp)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/series", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing metric, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/series?metric=nope", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown metric, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/metrics/series?metric=on_time_rate&interval=-1h", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad interval, got %d", w.Code)
	}
}

func TestMetricDimensionsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	w := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/dimensions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dimensions failed: %d", w.Code)
	}
	var resp struct {
		Dimensions map[string][]string `json:"dimensions"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Dimensions["store_id"]) != 2 {
		t.Fatalf("expected 2 stores, got %v", resp.Dimensions["store_id"])
	}
}

func TestCohortMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/metrics/cohort",
		`{"cohort": {"store_id": "store_0"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cohort metrics failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Label   string                 `json:"label"`
		Metrics models.MetricsSnapshot `json:"metrics"`
	}
	decodeJSON(t, w, &resp)
	if resp.Metrics.OrderCount != 100 {
		t.Fatalf("expected 100 orders in cohort, got %d", resp.Metrics.OrderCount)
	}
	if resp.Label != "store_id=store_0" {
		t.Fatalf("unexpected label %q", resp.Label)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/metrics/cohort",
		`{"cohort": {"warehouse": "w1"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown dimension, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/metrics/cohort", `{"cohort": {}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cohort, got %d", w.Code)
	}
}
