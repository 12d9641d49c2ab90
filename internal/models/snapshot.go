package models

import (
	"fmt"
	"sort"
)

type seriesKey struct {
	communeID   int
	indicatorID int
}

// Snapshot is the immutable in-memory aggregate of all commune, indicator,
// and observation data. It is built once at startup and never mutated, so
// concurrent requests read it without synchronization.
type Snapshot struct {
	communes       []Commune
	indicators     []Indicator
	years          []int
	series         map[seriesKey][]SeriesPoint
	indicatorNames map[int]string
	communeNames   map[int]string
}

// NewSnapshot builds a Snapshot from the loaded reference tables and
// observations. Observations violating the natural-key uniqueness keep the
// last value seen. The indicator list is derived from the ids actually
// present in the observations, named from the reference table with an
// "Indicateur N" fallback for ids the reference table lacks.
func NewSnapshot(communes []Commune, indicators []Indicator, observations []Observation) *Snapshot {
	s := &Snapshot{
		communes:       make([]Commune, len(communes)),
		series:         make(map[seriesKey][]SeriesPoint),
		indicatorNames: make(map[int]string, len(indicators)),
		communeNames:   make(map[int]string, len(communes)),
	}

	copy(s.communes, communes)
	sort.Slice(s.communes, func(i, j int) bool { return s.communes[i].ID < s.communes[j].ID })
	for _, c := range s.communes {
		s.communeNames[c.ID] = c.Name
	}

	for _, ind := range indicators {
		s.indicatorNames[ind.ID] = ind.Name
	}

	byKey := make(map[seriesKey]map[int]float64)
	yearSet := make(map[int]struct{})
	indicatorSet := make(map[int]struct{})

	for _, obs := range observations {
		key := seriesKey{communeID: obs.CommuneID, indicatorID: obs.IndicatorID}
		if byKey[key] == nil {
			byKey[key] = make(map[int]float64)
		}
		byKey[key][obs.Year] = obs.Value
		yearSet[obs.Year] = struct{}{}
		indicatorSet[obs.IndicatorID] = struct{}{}
	}

	for key, byYear := range byKey {
		points := make([]SeriesPoint, 0, len(byYear))
		for year, value := range byYear {
			points = append(points, SeriesPoint{Year: year, Value: value})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Year < points[j].Year })
		s.series[key] = points
	}

	s.years = make([]int, 0, len(yearSet))
	for year := range yearSet {
		s.years = append(s.years, year)
	}
	sort.Ints(s.years)

	s.indicators = make([]Indicator, 0, len(indicatorSet))
	for id := range indicatorSet {
		s.indicators = append(s.indicators, Indicator{ID: id, Name: s.IndicatorName(id)})
	}
	sort.Slice(s.indicators, func(i, j int) bool { return s.indicators[i].ID < s.indicators[j].ID })

	return s
}

// Communes returns all communes, ordered by ascending id.
func (s *Snapshot) Communes() []Commune {
	return s.communes
}

// Indicators returns the indicators present in the observation data,
// ordered by ascending id.
func (s *Snapshot) Indicators() []Indicator {
	return s.indicators
}

// Years returns the distinct observation years, ascending.
func (s *Snapshot) Years() []int {
	return s.years
}

// Series returns the (year, value) sequence for a commune/indicator pair,
// ascending by year. A pair with no observations yields an empty slice.
func (s *Snapshot) Series(communeID, indicatorID int) []SeriesPoint {
	return s.series[seriesKey{communeID: communeID, indicatorID: indicatorID}]
}

// IndicatorName resolves an indicator id against the shared reference
// table, falling back to "Indicateur N" for unknown ids.
func (s *Snapshot) IndicatorName(id int) string {
	if name, ok := s.indicatorNames[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Indicateur %d", id)
}

// CommuneName resolves a commune id to its name, falling back to the
// stringified id.
func (s *Snapshot) CommuneName(id int) string {
	if name, ok := s.communeNames[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("%d", id)
}
