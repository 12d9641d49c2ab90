package services

import (
	"context"
	"math"
	"time"

	"sid-analytics/internal/models"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

// percentageBoundedIndicators is the canonical allow-list of indicator ids
// whose values are percentages and therefore capped at 100 when forecast.
var percentageBoundedIndicators = map[int]bool{
	1: true,
	2: true,
	5: true,
	8: true,
}

// ForecastRequest selects the pairs and horizon to forecast. Nil id slices
// mean "all communes" / "all indicators" present in the snapshot.
// YearsToPredict must already be validated to [1,10] by the caller.
type ForecastRequest struct {
	CommuneIDs     []int
	IndicatorIDs   []int
	YearsToPredict int
	StartYear      *int
}

// ForecastService extrapolates per-commune indicator series with a
// deterministic linear trend.
type ForecastService struct {
	snapshot *models.Snapshot
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewForecastService creates a new forecast service
func NewForecastService(snapshot *models.Snapshot, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ForecastService {
	return &ForecastService{
		snapshot: snapshot,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// Forecast returns the combined historical and predicted rows for every
// requested (commune, indicator) pair. Pairs with fewer than two historical
// points contribute their historical rows only and no predictions; that is
// the documented empty-forecast edge case, never an error. Output ordering
// is not guaranteed sorted by year.
func (s *ForecastService) Forecast(ctx context.Context, req ForecastRequest) ([]models.ForecastRecord, error) {
	start := time.Now()
	defer func() {
		s.metrics.ForecastDuration.Observe(time.Since(start).Seconds())
	}()

	communeIDs := req.CommuneIDs
	if len(communeIDs) == 0 {
		for _, c := range s.snapshot.Communes() {
			communeIDs = append(communeIDs, c.ID)
		}
	}

	indicatorIDs := req.IndicatorIDs
	if len(indicatorIDs) == 0 {
		for _, ind := range s.snapshot.Indicators() {
			indicatorIDs = append(indicatorIDs, ind.ID)
		}
	}

	var records []models.ForecastRecord
	predicted := 0

	for _, communeID := range communeIDs {
		for _, indicatorID := range indicatorIDs {
			series := s.snapshot.Series(communeID, indicatorID)

			for _, point := range series {
				records = append(records, models.ForecastRecord{
					CommuneID:    communeID,
					IndicatorID:  indicatorID,
					Year:         point.Year,
					Value:        point.Value,
					IsPrediction: false,
				})
			}

			if len(series) < 2 {
				continue
			}

			rows := extrapolate(series, indicatorID, req.YearsToPredict, req.StartYear)
			for i := range rows {
				rows[i].CommuneID = communeID
			}
			records = append(records, rows...)
			predicted += len(rows)
		}
	}

	s.metrics.ForecastRowsTotal.Add(float64(predicted))

	s.logger.Debug(ctx, "[FORECAST_DONE] Forecast computed", logging.Fields{
		"communes":       len(communeIDs),
		"indicators":     len(indicatorIDs),
		"years":          req.YearsToPredict,
		"predicted_rows": predicted,
		"total_rows":     len(records),
		"duration_ms":    time.Since(start).Milliseconds(),
	})

	return records, nil
}

// extrapolate produces the predicted rows for one series. The trend is the
// average yearly change between the first and last observed points. When
// startYear is set, offsets are taken relative to it so the emitted years
// are startYear+1 .. startYear+yearsToPredict.
func extrapolate(series []models.SeriesPoint, indicatorID, yearsToPredict int, startYear *int) []models.ForecastRecord {
	first := series[0]
	last := series[len(series)-1]

	slope := 0.0
	if last.Year != first.Year {
		slope = (last.Value - first.Value) / float64(last.Year-first.Year)
	}

	baseYear := last.Year
	if startYear != nil {
		baseYear = *startYear
	}
	baseOffset := baseYear - last.Year

	rows := make([]models.ForecastRecord, 0, yearsToPredict)
	for i := 1; i <= yearsToPredict; i++ {
		value := last.Value + slope*float64(baseOffset+i)

		if value < 0 {
			value = 0
		}
		if value > 100 && percentageBoundedIndicators[indicatorID] {
			value = 100
		}

		rows = append(rows, models.ForecastRecord{
			IndicatorID:  indicatorID,
			Year:         baseYear + i,
			Value:        math.Round(value*100) / 100,
			IsPrediction: true,
		})
	}

	return rows
}
