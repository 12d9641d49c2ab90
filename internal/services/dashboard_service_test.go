package services

import (
	"context"
	"reflect"
	"testing"

	"sid-analytics/internal/models"
)

func newDashboardService(snapshot *models.Snapshot) *DashboardService {
	logger := testLogger()
	forecastService := NewForecastService(snapshot, logger, testMetrics)
	clusterService := NewClusterService(snapshot, logger, testMetrics)
	return NewDashboardService(snapshot, forecastService, clusterService, logger, testMetrics)
}

func TestDashboard_YearRoundTrip(t *testing.T) {
	// Historical years 2018..2020 plus a 2-year horizon must surface
	// exactly 2018..2022 in the year index
	service := newDashboardService(models.NewSnapshot(
		[]models.Commune{
			{ID: 1, Name: "Banikoara"}, {ID: 2, Name: "Gogounou"},
			{ID: 3, Name: "Kandi"}, {ID: 4, Name: "Karimama"},
		},
		nil,
		[]models.Observation{
			obs(1, 3, 2018, 10.0), obs(1, 3, 2019, 20.0), obs(1, 3, 2020, 30.0),
			obs(2, 3, 2018, 40.0), obs(2, 3, 2019, 45.0), obs(2, 3, 2020, 50.0),
			obs(3, 3, 2018, 70.0), obs(3, 3, 2019, 75.0), obs(3, 3, 2020, 80.0),
			obs(4, 3, 2018, 90.0), obs(4, 3, 2019, 92.0), obs(4, 3, 2020, 94.0),
		},
	))

	data, err := service.Dashboard(context.Background(), 2)
	if err != nil {
		t.Fatalf("Dashboard returned error: %v", err)
	}

	wantYears := []int{2018, 2019, 2020, 2021, 2022}
	if !reflect.DeepEqual(data.Years, wantYears) {
		t.Errorf("Years = %v, want %v", data.Years, wantYears)
	}

	if len(data.Communes) != 4 {
		t.Errorf("Communes = %d, want 4", len(data.Communes))
	}
	if len(data.Indicators) != 1 || data.Indicators[0].ID != 3 {
		t.Errorf("Indicators = %+v, want the single indicator 3", data.Indicators)
	}

	// 12 historical rows + 4 communes x 2 predicted years
	if len(data.IndicatorData) != 20 {
		t.Errorf("IndicatorData rows = %d, want 20", len(data.IndicatorData))
	}

	if data.Clusters == nil {
		t.Fatal("Clusters missing from dashboard payload")
	}
	if len(data.Characteristics) != data.Clusters.NumClusters {
		t.Errorf("Characteristics = %d profiles, want one per cluster (%d)",
			len(data.Characteristics), data.Clusters.NumClusters)
	}
}

func TestDashboard_ClusteringFailurePropagates(t *testing.T) {
	// A single commune cannot support the automatic k scan
	service := newDashboardService(models.NewSnapshot(
		[]models.Commune{{ID: 1, Name: "Banikoara"}},
		nil,
		[]models.Observation{
			obs(1, 3, 2019, 10.0),
			obs(1, 3, 2020, 20.0),
		},
	))

	_, err := service.Dashboard(context.Background(), 2)
	if err == nil {
		t.Fatal("expected clustering error for a single-commune snapshot")
	}
}
