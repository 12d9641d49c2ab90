package models

// Commune represents a municipal administrative unit being profiled.
// Immutable reference entity loaded once into the Snapshot.
type Commune struct {
	ID         int     `json:"id" db:"id"`
	Name       string  `json:"name" db:"nom"`
	Department *string `json:"department,omitempty" db:"departement"`
	Population *int64  `json:"population,omitempty" db:"population"`
}

// Indicator is a named numeric measure tracked per commune per year.
type Indicator struct {
	ID   int    `json:"id" db:"id"`
	Name string `json:"name" db:"nom"`
}

// Observation is one measured (commune, indicator, year) value.
// The natural key (CommuneID, IndicatorID, Year) is unique.
type Observation struct {
	CommuneID   int     `json:"commune_id" db:"commune_id"`
	IndicatorID int     `json:"indicateur_id" db:"indicateur_id"`
	Year        int     `json:"year" db:"year"`
	Value       float64 `json:"valeur" db:"valeur"`
}

// SeriesPoint is one (year, value) entry of a commune/indicator series.
type SeriesPoint struct {
	Year  int
	Value float64
}

// ForecastRecord is a single row of combined forecast output. Historical
// rows carry IsPrediction=false; extrapolated rows carry IsPrediction=true.
// Ephemeral: produced per request, never persisted.
type ForecastRecord struct {
	CommuneID    int     `json:"commune_id"`
	IndicatorID  int     `json:"indicateur_id"`
	Year         int     `json:"year"`
	Value        float64 `json:"predicted_value"`
	IsPrediction bool    `json:"is_prediction"`
}

// ClusterAssignment maps communes to cluster labels 0..NumClusters-1.
// CommuneIDs and Labels are parallel slices ordered by ascending commune id.
type ClusterAssignment struct {
	CommuneIDs  []int `json:"commune_ids"`
	Labels      []int `json:"cluster_labels"`
	NumClusters int   `json:"n_clusters"`
}

// LabelFor returns the cluster label assigned to the given commune.
func (a *ClusterAssignment) LabelFor(communeID int) (int, bool) {
	for i, id := range a.CommuneIDs {
		if id == communeID {
			return a.Labels[i], true
		}
	}
	return 0, false
}

// DistinctiveIndicator is one indicator whose cluster mean deviates most
// from the global mean, in standardized terms.
type DistinctiveIndicator struct {
	IndicatorID int     `json:"id"`
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
}

// ClusterProfile describes a single cluster: its mean value per indicator
// (centroid in original units) and its top distinctive indicators, ranked
// by standardized deviation from the global mean.
type ClusterProfile struct {
	MeanValues            map[int]float64        `json:"mean_values"`
	DistinctiveIndicators []DistinctiveIndicator `json:"distinctive_indicators"`
}
