package services

import (
	"context"
	"sort"
	"time"

	"sid-analytics/internal/models"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

// DashboardData is the combined payload the dashboard endpoint serves:
// historical+forecast rows, the cluster assignment and profiles, and the
// distinct years, communes, and indicators appearing in the combined rows.
type DashboardData struct {
	IndicatorData   []models.ForecastRecord       `json:"indicator_data"`
	Clusters        *models.ClusterAssignment     `json:"clusters"`
	Characteristics map[int]models.ClusterProfile `json:"characteristics"`
	Years           []int                         `json:"years"`
	Communes        []models.Commune              `json:"communes"`
	Indicators      []models.Indicator            `json:"indicators"`
}

// DashboardService composes forecast and clustering outputs. It introduces
// no computation of its own beyond calling the other services with default
// parameters and deriving the index lists.
type DashboardService struct {
	snapshot *models.Snapshot
	forecast *ForecastService
	cluster  *ClusterService
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewDashboardService creates a new dashboard service
func NewDashboardService(
	snapshot *models.Snapshot,
	forecastService *ForecastService,
	clusterService *ClusterService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *DashboardService {
	return &DashboardService{
		snapshot: snapshot,
		forecast: forecastService,
		cluster:  clusterService,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// Dashboard builds the combined payload for all communes and indicators.
func (s *DashboardService) Dashboard(ctx context.Context, yearsToPredict int) (*DashboardData, error) {
	start := time.Now()
	defer func() {
		s.metrics.DashboardDuration.Observe(time.Since(start).Seconds())
	}()

	rows, err := s.forecast.Forecast(ctx, ForecastRequest{YearsToPredict: yearsToPredict})
	if err != nil {
		return nil, err
	}

	assignment, err := s.cluster.Cluster(ctx, nil, DefaultMaxClusters)
	if err != nil {
		return nil, err
	}

	profiles, err := s.cluster.Profile(ctx, assignment)
	if err != nil {
		return nil, err
	}

	yearSet := make(map[int]struct{})
	communeSet := make(map[int]struct{})
	indicatorSet := make(map[int]struct{})
	for _, row := range rows {
		yearSet[row.Year] = struct{}{}
		communeSet[row.CommuneID] = struct{}{}
		indicatorSet[row.IndicatorID] = struct{}{}
	}

	years := make([]int, 0, len(yearSet))
	for year := range yearSet {
		years = append(years, year)
	}
	sort.Ints(years)

	communes := make([]models.Commune, 0, len(communeSet))
	for _, c := range s.snapshot.Communes() {
		if _, ok := communeSet[c.ID]; ok {
			communes = append(communes, c)
		}
	}

	indicators := make([]models.Indicator, 0, len(indicatorSet))
	for _, ind := range s.snapshot.Indicators() {
		if _, ok := indicatorSet[ind.ID]; ok {
			indicators = append(indicators, ind)
		}
	}

	s.logger.Debug(ctx, "[DASHBOARD_DONE] Dashboard payload assembled", logging.Fields{
		"rows":        len(rows),
		"years":       len(years),
		"communes":    len(communes),
		"indicators":  len(indicators),
		"n_clusters":  assignment.NumClusters,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &DashboardData{
		IndicatorData:   rows,
		Clusters:        assignment,
		Characteristics: profiles,
		Years:           years,
		Communes:        communes,
		Indicators:      indicators,
	}, nil
}
