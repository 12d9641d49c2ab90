package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"sid-analytics/internal/models"
	"sid-analytics/internal/services"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

var testMetrics = metrics.NewCollector("handlers_test")

func testRouter(snapshot *models.Snapshot) *mux.Router {
	logger := logging.NewStructuredLogger("handlers-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)

	forecastService := services.NewForecastService(snapshot, logger, testMetrics)
	clusterService := services.NewClusterService(snapshot, logger, testMetrics)
	dashboardService := services.NewDashboardService(snapshot, forecastService, clusterService, logger, testMetrics)

	handler := NewAnalyticsHandler(snapshot, forecastService, clusterService, dashboardService, logger, testMetrics)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func testSnapshot() *models.Snapshot {
	return models.NewSnapshot(
		[]models.Commune{
			{ID: 1, Name: "Banikoara"},
			{ID: 2, Name: "Gogounou"},
			{ID: 3, Name: "Kandi"},
		},
		[]models.Indicator{{ID: 3, Name: "Budget investi"}},
		[]models.Observation{
			{CommuneID: 1, IndicatorID: 3, Year: 2018, Value: 40.0},
			{CommuneID: 1, IndicatorID: 3, Year: 2019, Value: 50.0},
			{CommuneID: 1, IndicatorID: 3, Year: 2020, Value: 60.0},
			{CommuneID: 2, IndicatorID: 3, Year: 2019, Value: 20.0},
			{CommuneID: 2, IndicatorID: 3, Year: 2020, Value: 25.0},
			{CommuneID: 3, IndicatorID: 3, Year: 2019, Value: 80.0},
			{CommuneID: 3, IndicatorID: 3, Year: 2020, Value: 85.0},
		},
	)
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	var envelope APIResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not a valid envelope: %v\nbody: %s", err, recorder.Body.String())
	}
	return recorder, envelope
}

func TestHealthCheck(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodGet, "/health", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if !envelope.Success {
		t.Error("Success = false, want true")
	}
	if envelope.Timestamp == "" {
		t.Error("Timestamp missing from envelope")
	}

	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want object", envelope.Data)
	}
	if data["communes_count"] != float64(3) {
		t.Errorf("communes_count = %v, want 3", data["communes_count"])
	}
}

func TestGetCommunes(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodGet, "/communes", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	communes, ok := envelope.Data.([]interface{})
	if !ok {
		t.Fatalf("Data = %T, want array", envelope.Data)
	}
	if len(communes) != 3 {
		t.Errorf("communes = %d, want 3", len(communes))
	}
}

func TestGetYears(t *testing.T) {
	router := testRouter(testSnapshot())

	_, envelope := doRequest(t, router, http.MethodGet, "/years", nil)

	years, ok := envelope.Data.([]interface{})
	if !ok {
		t.Fatalf("Data = %T, want array", envelope.Data)
	}
	want := []float64{2018, 2019, 2020}
	if len(years) != len(want) {
		t.Fatalf("years = %v, want %v", years, want)
	}
	for i, year := range want {
		if years[i] != year {
			t.Errorf("years[%d] = %v, want %v", i, years[i], year)
		}
	}
}

func TestPredict_Validation(t *testing.T) {
	tests := []struct {
		name           string
		yearsToPredict int
		wantStatus     int
	}{
		{name: "zero years rejected", yearsToPredict: 0, wantStatus: http.StatusBadRequest},
		{name: "eleven years rejected", yearsToPredict: 11, wantStatus: http.StatusBadRequest},
		{name: "one year accepted", yearsToPredict: 1, wantStatus: http.StatusOK},
		{name: "ten years accepted", yearsToPredict: 10, wantStatus: http.StatusOK},
	}

	router := testRouter(testSnapshot())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, envelope := doRequest(t, router, http.MethodPost, "/predict", map[string]interface{}{
				"years_to_predict": tt.yearsToPredict,
			})

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			if envelope.Success != (tt.wantStatus == http.StatusOK) {
				t.Errorf("Success = %v for status %d", envelope.Success, recorder.Code)
			}
		})
	}
}

func TestPredict_ReturnsPredictions(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodPost, "/predict", map[string]interface{}{
		"years_to_predict": 2,
		"commune_ids":      []int{1},
		"indicator_ids":    []int{3},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", recorder.Code, recorder.Body.String())
	}

	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want object", envelope.Data)
	}
	rows, ok := data["predictions"].([]interface{})
	if !ok {
		t.Fatalf("predictions = %T, want array", data["predictions"])
	}
	// 3 historical + 2 predicted
	if len(rows) != 5 {
		t.Fatalf("predictions = %d rows, want 5", len(rows))
	}

	predicted := map[float64]float64{}
	for _, raw := range rows {
		row := raw.(map[string]interface{})
		if row["is_prediction"] == true {
			predicted[row["year"].(float64)] = row["predicted_value"].(float64)
		}
	}
	if predicted[2021] != 70.0 || predicted[2022] != 80.0 {
		t.Errorf("predicted values = %v, want 2021:70 2022:80", predicted)
	}
}

func TestPredict_MalformedBody(t *testing.T) {
	router := testRouter(testSnapshot())

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte("{not json")))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
}

func TestCluster_InsufficientDataIsBadRequest(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodPost, "/cluster", map[string]interface{}{
		"n_clusters": 10,
	})

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if envelope.Success {
		t.Error("Success = true for a failed request")
	}
	if envelope.Message == "" {
		t.Error("Message missing: caller needs the commune/cluster counts")
	}
}

func TestCluster_ReturnsAssignmentAndProfiles(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodPost, "/cluster", map[string]interface{}{
		"n_clusters": 2,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", recorder.Code, recorder.Body.String())
	}

	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want object", envelope.Data)
	}
	if data["n_clusters"] != float64(2) {
		t.Errorf("n_clusters = %v, want 2", data["n_clusters"])
	}

	withClusters, ok := data["communes_with_clusters"].([]interface{})
	if !ok {
		t.Fatalf("communes_with_clusters = %T, want array", data["communes_with_clusters"])
	}
	if len(withClusters) != 3 {
		t.Fatalf("communes_with_clusters = %d entries, want 3", len(withClusters))
	}
	first := withClusters[0].(map[string]interface{})
	if first["commune_name"] != "Banikoara" {
		t.Errorf("commune_name = %v, want Banikoara", first["commune_name"])
	}

	characteristics, ok := data["characteristics"].(map[string]interface{})
	if !ok {
		t.Fatalf("characteristics = %T, want object", data["characteristics"])
	}
	if len(characteristics) != 2 {
		t.Errorf("characteristics = %d profiles, want 2", len(characteristics))
	}
}

func TestGetDashboard(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, envelope := doRequest(t, router, http.MethodGet, "/dashboard?years_to_predict=2", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", recorder.Code, recorder.Body.String())
	}

	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want object", envelope.Data)
	}
	years, ok := data["years"].([]interface{})
	if !ok {
		t.Fatalf("years = %T, want array", data["years"])
	}
	want := []float64{2018, 2019, 2020, 2021, 2022}
	if len(years) != len(want) {
		t.Fatalf("years = %v, want %v", years, want)
	}
	for i, year := range want {
		if years[i] != year {
			t.Errorf("years[%d] = %v, want %v", i, years[i], year)
		}
	}
}

func TestGetDashboard_InvalidYears(t *testing.T) {
	router := testRouter(testSnapshot())

	recorder, _ := doRequest(t, router, http.MethodGet, "/dashboard?years_to_predict=99", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	router := testRouter(testSnapshot())
	wrapped := CORSMiddleware(router)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	recorder := httptest.NewRecorder()
	wrapped.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
