package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"sid-analytics/internal/models"
	"sid-analytics/internal/services"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

const (
	minYearsToPredict = 1
	maxYearsToPredict = 10
)

// AnalyticsHandler exposes the forecasting and clustering engine over HTTP
type AnalyticsHandler struct {
	snapshot  *models.Snapshot
	forecast  *services.ForecastService
	cluster   *services.ClusterService
	dashboard *services.DashboardService
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(
	snapshot *models.Snapshot,
	forecastService *services.ForecastService,
	clusterService *services.ClusterService,
	dashboardService *services.DashboardService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		snapshot:  snapshot,
		forecast:  forecastService,
		cluster:   clusterService,
		dashboard: dashboardService,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// APIResponse is the envelope every endpoint returns
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

type predictionRequest struct {
	YearsToPredict int   `json:"years_to_predict"`
	CommuneIDs     []int `json:"commune_ids"`
	IndicatorIDs   []int `json:"indicator_ids"`
	StartYear      *int  `json:"start_year"`
}

type clusteringRequest struct {
	NClusters   *int `json:"n_clusters"`
	MaxClusters int  `json:"max_clusters"`
}

// indicatorValue names an indicator alongside a cluster's mean for it.
// Value is a pointer so a non-finite number serializes as null.
type indicatorValue struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

// clusterCharacteristics is the boundary shape of one cluster profile
type clusterCharacteristics struct {
	MeanValues    map[int]*float64 `json:"mean_values"`
	TopIndicators []indicatorValue `json:"top_indicators_with_names"`
}

type communeCluster struct {
	CommuneID   int    `json:"commune_id"`
	CommuneName string `json:"commune_name"`
	Cluster     int    `json:"cluster"`
}

// Root handles GET /
func (h *AnalyticsHandler) Root(w http.ResponseWriter, r *http.Request) {
	h.sendSuccess(w, map[string]string{
		"name":    "SID Platform Analytics API",
		"version": "1.0.0",
		"status":  "running",
	}, "API is operational")
}

// HealthCheck handles GET /health
func (h *AnalyticsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.sendSuccess(w, map[string]interface{}{
		"status":           "healthy",
		"communes_count":   len(h.snapshot.Communes()),
		"years_available":  h.snapshot.Years(),
		"indicators_count": len(h.snapshot.Indicators()),
	}, "System is healthy")
}

// GetCommunes handles GET /communes
func (h *AnalyticsHandler) GetCommunes(w http.ResponseWriter, r *http.Request) {
	communes := h.snapshot.Communes()
	h.sendSuccess(w, communes, fmt.Sprintf("Successfully retrieved %d communes", len(communes)))
}

// GetIndicators handles GET /indicators
func (h *AnalyticsHandler) GetIndicators(w http.ResponseWriter, r *http.Request) {
	indicators := h.snapshot.Indicators()
	h.sendSuccess(w, indicators, fmt.Sprintf("Successfully retrieved %d indicators", len(indicators)))
}

// GetYears handles GET /years
func (h *AnalyticsHandler) GetYears(w http.ResponseWriter, r *http.Request) {
	years := h.snapshot.Years()
	h.sendSuccess(w, years, fmt.Sprintf("Successfully retrieved %d years", len(years)))
}

// Predict handles POST /predict
func (h *AnalyticsHandler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/predict").Observe(duration.Seconds())
	}()

	var req predictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.YearsToPredict < minYearsToPredict || req.YearsToPredict > maxYearsToPredict {
		h.sendValidationError(w, r, "/predict", &models.ValidationError{
			Field:   "years_to_predict",
			Value:   strconv.Itoa(req.YearsToPredict),
			Message: "Years to predict must be between 1 and 10",
		})
		return
	}

	rows, err := h.forecast.Forecast(ctx, services.ForecastRequest{
		CommuneIDs:     req.CommuneIDs,
		IndicatorIDs:   req.IndicatorIDs,
		YearsToPredict: req.YearsToPredict,
		StartYear:      req.StartYear,
	})
	if err != nil {
		h.logger.Error(ctx, "[API_PREDICT_ERROR] Failed to generate predictions", logging.Fields{
			"years_to_predict": req.YearsToPredict,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/predict")
		h.sendError(w, r, "failed to generate predictions", http.StatusInternalServerError)
		return
	}

	communeIDs := req.CommuneIDs
	if len(communeIDs) == 0 {
		for _, c := range h.snapshot.Communes() {
			communeIDs = append(communeIDs, c.ID)
		}
	}
	indicatorIDs := req.IndicatorIDs
	if len(indicatorIDs) == 0 {
		for _, ind := range h.snapshot.Indicators() {
			indicatorIDs = append(indicatorIDs, ind.ID)
		}
	}

	predicted := 0
	for _, row := range rows {
		if row.IsPrediction {
			predicted++
		}
	}

	h.metrics.RecordAPIRequest("/predict", "POST", "200")
	h.sendSuccess(w, map[string]interface{}{
		"predictions":     rows,
		"years_predicted": req.YearsToPredict,
		"communes":        communeIDs,
		"indicators":      indicatorIDs,
	}, fmt.Sprintf("Successfully generated predictions for %d data points", predicted))
}

// Cluster handles POST /cluster
func (h *AnalyticsHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/cluster").Observe(duration.Seconds())
	}()

	var req clusteringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.NClusters != nil && *req.NClusters < 1 {
		h.sendValidationError(w, r, "/cluster", &models.ValidationError{
			Field:   "n_clusters",
			Value:   strconv.Itoa(*req.NClusters),
			Message: "n_clusters must be positive",
		})
		return
	}
	if req.MaxClusters == 0 {
		req.MaxClusters = services.DefaultMaxClusters
	}

	assignment, err := h.cluster.Cluster(ctx, req.NClusters, req.MaxClusters)
	if err != nil {
		h.handleClusterError(w, r, "/cluster", err)
		return
	}

	profiles, err := h.cluster.Profile(ctx, assignment)
	if err != nil {
		h.handleClusterError(w, r, "/cluster", err)
		return
	}

	characteristics := make(map[int]clusterCharacteristics, len(profiles))
	for label, profile := range profiles {
		characteristics[label] = sanitizeProfile(profile)
	}

	communesWithClusters := make([]communeCluster, len(assignment.CommuneIDs))
	for i, communeID := range assignment.CommuneIDs {
		communesWithClusters[i] = communeCluster{
			CommuneID:   communeID,
			CommuneName: h.snapshot.CommuneName(communeID),
			Cluster:     assignment.Labels[i],
		}
	}

	h.metrics.RecordAPIRequest("/cluster", "POST", "200")
	h.sendSuccess(w, map[string]interface{}{
		"clusters":               assignment,
		"characteristics":        characteristics,
		"communes_with_clusters": communesWithClusters,
		"n_clusters":             assignment.NumClusters,
	}, fmt.Sprintf("Successfully clustered communes into %d groups", assignment.NumClusters))
}

// GetDashboard handles GET /dashboard
func (h *AnalyticsHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/dashboard").Observe(duration.Seconds())
	}()

	yearsToPredict := 2
	if raw := r.URL.Query().Get("years_to_predict"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < minYearsToPredict || parsed > maxYearsToPredict {
			h.sendValidationError(w, r, "/dashboard", &models.ValidationError{
				Field:   "years_to_predict",
				Value:   raw,
				Message: "Years to predict must be between 1 and 10",
			})
			return
		}
		yearsToPredict = parsed
	}

	data, err := h.dashboard.Dashboard(ctx, yearsToPredict)
	if err != nil {
		h.handleClusterError(w, r, "/dashboard", err)
		return
	}

	h.metrics.RecordAPIRequest("/dashboard", "GET", "200")
	h.sendSuccess(w, data, "Successfully generated dashboard data")
}

// sendValidationError rejects a request whose parameters violate their
// contract, before any computation runs.
func (h *AnalyticsHandler) sendValidationError(w http.ResponseWriter, r *http.Request, endpoint string, err *models.ValidationError) {
	h.metrics.RecordAPIError("validation_error", endpoint)
	h.sendError(w, r, err.Error(), http.StatusBadRequest)
}

// handleClusterError maps cluster-layer failures to HTTP statuses: data
// shortage is the caller's problem, everything else is internal.
func (h *AnalyticsHandler) handleClusterError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var insufficient *models.InsufficientDataError
	if errors.As(err, &insufficient) {
		h.metrics.RecordAPIError("insufficient_data", endpoint)
		h.sendError(w, r, insufficient.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Error(r.Context(), "[API_CLUSTER_ERROR] Clustering request failed", logging.Fields{
		"endpoint": endpoint,
	}, err)
	h.metrics.RecordAPIError("internal_error", endpoint)
	h.sendError(w, r, "failed to process clustering request", http.StatusInternalServerError)
}

// sanitizeProfile converts a core profile into the boundary shape,
// replacing non-finite numbers with null.
func sanitizeProfile(profile models.ClusterProfile) clusterCharacteristics {
	means := make(map[int]*float64, len(profile.MeanValues))
	for id, v := range profile.MeanValues {
		means[id] = finiteOrNil(v)
	}

	top := make([]indicatorValue, len(profile.DistinctiveIndicators))
	for i, d := range profile.DistinctiveIndicators {
		top[i] = indicatorValue{
			ID:    d.IndicatorID,
			Name:  d.Name,
			Value: finiteOrNil(d.Value),
		}
	}

	return clusterCharacteristics{
		MeanValues:    means,
		TopIndicators: top,
	}
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// sendSuccess sends a success envelope
func (h *AnalyticsHandler) sendSuccess(w http.ResponseWriter, data interface{}, message string) {
	h.sendJSON(w, APIResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *AnalyticsHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error envelope
func (h *AnalyticsHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	h.sendJSON(w, APIResponse{
		Success:   false,
		Data:      nil,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, statusCode)
}

// CORSMiddleware allows cross-origin access from the frontend
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "X-Requested-With, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes registers all analytics API routes
func (h *AnalyticsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.Root).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/communes", h.GetCommunes).Methods("GET")
	router.HandleFunc("/indicators", h.GetIndicators).Methods("GET")
	router.HandleFunc("/years", h.GetYears).Methods("GET")
	router.HandleFunc("/predict", h.Predict).Methods("POST")
	router.HandleFunc("/cluster", h.Cluster).Methods("POST")
	router.HandleFunc("/dashboard", h.GetDashboard).Methods("GET")
}
