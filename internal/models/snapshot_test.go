package models

import (
	"testing"
)

func TestNewSnapshot_SeriesOrdering(t *testing.T) {
	// Observations arrive out of order and with a year gap
	observations := []Observation{
		{CommuneID: 1, IndicatorID: 1, Year: 2020, Value: 60.0},
		{CommuneID: 1, IndicatorID: 1, Year: 2016, Value: 30.0},
		{CommuneID: 1, IndicatorID: 1, Year: 2018, Value: 40.0},
	}

	snapshot := NewSnapshot(
		[]Commune{{ID: 1, Name: "Banikoara"}},
		[]Indicator{{ID: 1, Name: "Sessions ordinaires"}},
		observations,
	)

	series := snapshot.Series(1, 1)
	if len(series) != 3 {
		t.Fatalf("Series length = %d, want 3", len(series))
	}

	wantYears := []int{2016, 2018, 2020}
	wantValues := []float64{30.0, 40.0, 60.0}
	for i, point := range series {
		if point.Year != wantYears[i] {
			t.Errorf("Series[%d].Year = %d, want %d", i, point.Year, wantYears[i])
		}
		if point.Value != wantValues[i] {
			t.Errorf("Series[%d].Value = %v, want %v", i, point.Value, wantValues[i])
		}
	}
}

func TestNewSnapshot_NaturalKeyLastWins(t *testing.T) {
	observations := []Observation{
		{CommuneID: 1, IndicatorID: 1, Year: 2020, Value: 10.0},
		{CommuneID: 1, IndicatorID: 1, Year: 2020, Value: 25.0},
	}

	snapshot := NewSnapshot([]Commune{{ID: 1, Name: "Gogounou"}}, nil, observations)

	series := snapshot.Series(1, 1)
	if len(series) != 1 {
		t.Fatalf("Series length = %d, want 1 (duplicate natural key must collapse)", len(series))
	}
	if series[0].Value != 25.0 {
		t.Errorf("Series[0].Value = %v, want 25.0", series[0].Value)
	}
}

func TestNewSnapshot_DerivedIndexes(t *testing.T) {
	observations := []Observation{
		{CommuneID: 2, IndicatorID: 5, Year: 2019, Value: 1},
		{CommuneID: 1, IndicatorID: 3, Year: 2017, Value: 2},
		{CommuneID: 1, IndicatorID: 5, Year: 2018, Value: 3},
	}

	snapshot := NewSnapshot(
		[]Commune{{ID: 2, Name: "Kandi"}, {ID: 1, Name: "Banikoara"}},
		[]Indicator{{ID: 5, Name: "Présence sur les réseaux sociaux"}},
		observations,
	)

	communes := snapshot.Communes()
	if len(communes) != 2 || communes[0].ID != 1 || communes[1].ID != 2 {
		t.Errorf("Communes not sorted by id: %+v", communes)
	}

	years := snapshot.Years()
	wantYears := []int{2017, 2018, 2019}
	if len(years) != len(wantYears) {
		t.Fatalf("Years = %v, want %v", years, wantYears)
	}
	for i := range wantYears {
		if years[i] != wantYears[i] {
			t.Errorf("Years[%d] = %d, want %d", i, years[i], wantYears[i])
		}
	}

	indicators := snapshot.Indicators()
	if len(indicators) != 2 {
		t.Fatalf("Indicators length = %d, want 2", len(indicators))
	}
	if indicators[0].ID != 3 || indicators[1].ID != 5 {
		t.Errorf("Indicators not sorted by id: %+v", indicators)
	}
	// Id 3 has no reference row: name falls back
	if indicators[0].Name != "Indicateur 3" {
		t.Errorf("Indicators[0].Name = %q, want fallback name", indicators[0].Name)
	}
	if indicators[1].Name != "Présence sur les réseaux sociaux" {
		t.Errorf("Indicators[1].Name = %q, want reference name", indicators[1].Name)
	}
}

func TestSnapshot_EmptySeries(t *testing.T) {
	snapshot := NewSnapshot([]Commune{{ID: 1, Name: "Banikoara"}}, nil, nil)

	if series := snapshot.Series(1, 99); len(series) != 0 {
		t.Errorf("Series for unknown pair = %v, want empty", series)
	}
}

func TestSnapshot_NameLookups(t *testing.T) {
	snapshot := NewSnapshot(
		[]Commune{{ID: 7, Name: "Malanville"}},
		[]Indicator{{ID: 1, Name: "Sessions"}},
		nil,
	)

	if got := snapshot.CommuneName(7); got != "Malanville" {
		t.Errorf("CommuneName(7) = %q, want Malanville", got)
	}
	if got := snapshot.CommuneName(99); got != "99" {
		t.Errorf("CommuneName(99) = %q, want stringified id", got)
	}
	if got := snapshot.IndicatorName(1); got != "Sessions" {
		t.Errorf("IndicatorName(1) = %q, want Sessions", got)
	}
	if got := snapshot.IndicatorName(42); got != "Indicateur 42" {
		t.Errorf("IndicatorName(42) = %q, want fallback", got)
	}
}
