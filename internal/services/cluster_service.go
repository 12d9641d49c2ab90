package services

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"sid-analytics/internal/models"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

const (
	// clusterSeed fixes the k-means random source so repeated requests on
	// the same snapshot produce identical assignments.
	clusterSeed = 42

	// maxKMeansIterations caps the assignment/update loop.
	maxKMeansIterations = 100

	// topDistinctiveIndicators is how many indicators a cluster profile
	// reports as distinctive.
	topDistinctiveIndicators = 5

	// DefaultMaxClusters bounds the automatic k scan.
	DefaultMaxClusters = 10
)

var errUnknownCommune = errors.New("commune not present in snapshot")

// ClusterService partitions communes into groups of similar indicator
// profiles and derives per-cluster characteristics.
type ClusterService struct {
	snapshot *models.Snapshot
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewClusterService creates a new cluster service
func NewClusterService(snapshot *models.Snapshot, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ClusterService {
	return &ClusterService{
		snapshot: snapshot,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// featureMatrix is one row per commune (ascending id) and one column per
// indicator id present in the snapshot (ascending). Cells hold the most
// recent observed value; missing cells are imputed with the indicator's
// global mean, or 0 for an indicator with no values anywhere.
type featureMatrix struct {
	communeIDs   []int
	indicatorIDs []int
	rows         [][]float64
}

func buildFeatureMatrix(snapshot *models.Snapshot) *featureMatrix {
	communes := snapshot.Communes()
	indicators := snapshot.Indicators()

	m := &featureMatrix{
		communeIDs:   make([]int, len(communes)),
		indicatorIDs: make([]int, len(indicators)),
		rows:         make([][]float64, len(communes)),
	}
	for i, c := range communes {
		m.communeIDs[i] = c.ID
	}
	for j, ind := range indicators {
		m.indicatorIDs[j] = ind.ID
	}

	present := make([][]bool, len(communes))
	for i, communeID := range m.communeIDs {
		m.rows[i] = make([]float64, len(m.indicatorIDs))
		present[i] = make([]bool, len(m.indicatorIDs))
		for j, indicatorID := range m.indicatorIDs {
			series := snapshot.Series(communeID, indicatorID)
			if len(series) > 0 {
				m.rows[i][j] = series[len(series)-1].Value
				present[i][j] = true
			}
		}
	}

	// Impute missing cells with the column mean over present values
	for j := range m.indicatorIDs {
		var values []float64
		for i := range m.rows {
			if present[i][j] {
				values = append(values, m.rows[i][j])
			}
		}
		if len(values) == 0 {
			continue
		}
		mean := stat.Mean(values, nil)
		for i := range m.rows {
			if !present[i][j] {
				m.rows[i][j] = mean
			}
		}
	}

	return m
}

// Cluster assigns every commune to one of k clusters. When nClusters is
// nil, k is selected by scanning [2, maxClusters] for the best mean
// silhouette score, ties broken toward the smaller k. A requested or
// selected k exceeding the commune count is an InsufficientDataError.
func (s *ClusterService) Cluster(ctx context.Context, nClusters *int, maxClusters int) (*models.ClusterAssignment, error) {
	start := time.Now()
	defer func() {
		s.metrics.ClusteringDuration.Observe(time.Since(start).Seconds())
	}()

	if maxClusters <= 0 {
		maxClusters = DefaultMaxClusters
	}

	matrix := buildFeatureMatrix(s.snapshot)
	n := len(matrix.communeIDs)

	var k int
	if nClusters != nil {
		k = *nClusters
		if k > n {
			s.metrics.RecordClusteringError("insufficient_data")
			return nil, &models.InsufficientDataError{Requested: k, Available: n}
		}
	} else {
		selected, err := s.selectClusterCount(matrix, maxClusters)
		if err != nil {
			s.metrics.RecordClusteringError("insufficient_data")
			return nil, err
		}
		k = selected
	}

	labels := kMeans(matrix.rows, k)

	assignment := &models.ClusterAssignment{
		CommuneIDs:  matrix.communeIDs,
		Labels:      labels,
		NumClusters: k,
	}

	s.logger.Debug(ctx, "[CLUSTER_DONE] Communes clustered", logging.Fields{
		"communes":    n,
		"n_clusters":  k,
		"auto_k":      nClusters == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return assignment, nil
}

// selectClusterCount scans candidate k values and keeps the one with the
// highest mean silhouette. The scan is deterministic under the fixed seed.
func (s *ClusterService) selectClusterCount(matrix *featureMatrix, maxClusters int) (int, error) {
	n := len(matrix.communeIDs)
	upper := maxClusters
	if upper > n {
		upper = n
	}
	if upper < 2 {
		return 0, &models.InsufficientDataError{Requested: 2, Available: n}
	}

	bestK := 2
	bestScore := math.Inf(-1)
	for k := 2; k <= upper; k++ {
		labels := kMeans(matrix.rows, k)
		score := meanSilhouette(matrix.rows, labels, k)
		if score > bestScore {
			bestScore = score
			bestK = k
		}
	}

	return bestK, nil
}

// Profile derives each cluster's mean indicator values and its most
// distinctive indicators, ranked by standardized deviation of the cluster
// mean from the global mean. Deterministic given the same snapshot and
// assignment.
func (s *ClusterService) Profile(ctx context.Context, assignment *models.ClusterAssignment) (map[int]models.ClusterProfile, error) {
	matrix := buildFeatureMatrix(s.snapshot)

	rowIndex := make(map[int]int, len(matrix.communeIDs))
	for i, id := range matrix.communeIDs {
		rowIndex[id] = i
	}

	members := make(map[int][]int)
	for i, communeID := range assignment.CommuneIDs {
		row, ok := rowIndex[communeID]
		if !ok {
			return nil, &models.ComputationError{
				Op:        "cluster_profile",
				CommuneID: communeID,
				Err:       errUnknownCommune,
			}
		}
		label := assignment.Labels[i]
		members[label] = append(members[label], row)
	}

	// Global column statistics over the same imputed matrix
	globalMean := make([]float64, len(matrix.indicatorIDs))
	globalStd := make([]float64, len(matrix.indicatorIDs))
	column := make([]float64, len(matrix.rows))
	for j := range matrix.indicatorIDs {
		for i := range matrix.rows {
			column[i] = matrix.rows[i][j]
		}
		globalMean[j] = stat.Mean(column, nil)
		globalStd[j] = math.Sqrt(stat.PopVariance(column, nil))
	}

	profiles := make(map[int]models.ClusterProfile, assignment.NumClusters)
	for label := 0; label < assignment.NumClusters; label++ {
		rows := members[label]

		meanValues := make(map[int]float64, len(matrix.indicatorIDs))
		type ranked struct {
			indicatorID int
			deviation   float64
			mean        float64
		}
		rankedIndicators := make([]ranked, 0, len(matrix.indicatorIDs))

		for j, indicatorID := range matrix.indicatorIDs {
			sum := 0.0
			for _, row := range rows {
				sum += matrix.rows[row][j]
			}
			mean := 0.0
			if len(rows) > 0 {
				mean = sum / float64(len(rows))
			}
			meanValues[indicatorID] = mean

			// Zero global variance carries no distinction
			deviation := 0.0
			if globalStd[j] > 0 {
				deviation = math.Abs(mean-globalMean[j]) / globalStd[j]
			}
			rankedIndicators = append(rankedIndicators, ranked{
				indicatorID: indicatorID,
				deviation:   deviation,
				mean:        mean,
			})
		}

		sort.SliceStable(rankedIndicators, func(a, b int) bool {
			if rankedIndicators[a].deviation != rankedIndicators[b].deviation {
				return rankedIndicators[a].deviation > rankedIndicators[b].deviation
			}
			return rankedIndicators[a].indicatorID < rankedIndicators[b].indicatorID
		})

		top := topDistinctiveIndicators
		if top > len(rankedIndicators) {
			top = len(rankedIndicators)
		}
		distinctive := make([]models.DistinctiveIndicator, 0, top)
		for _, r := range rankedIndicators[:top] {
			distinctive = append(distinctive, models.DistinctiveIndicator{
				IndicatorID: r.indicatorID,
				Name:        s.snapshot.IndicatorName(r.indicatorID),
				Value:       r.mean,
			})
		}

		profiles[label] = models.ClusterProfile{
			MeanValues:            meanValues,
			DistinctiveIndicators: distinctive,
		}
	}

	return profiles, nil
}

// kMeans partitions rows into k clusters under the fixed seed: farthest
// point seeding, then assignment/update iterations until stable or the
// iteration cap. Assignment ties go to the lower cluster index.
func kMeans(rows [][]float64, k int) []int {
	n := len(rows)
	if k >= n {
		// Degenerate case, each point its own cluster
		labels := make([]int, n)
		for i := range labels {
			labels[i] = i
		}
		return labels
	}

	rng := rand.New(rand.NewSource(clusterSeed))
	dims := len(rows[0])

	// k-means++ style seeding
	centroids := make([][]float64, 0, k)
	first := rng.Intn(n)
	centroids = append(centroids, append([]float64(nil), rows[first]...))
	for len(centroids) < k {
		next, best := 0, -1.0
		for i, row := range rows {
			d := math.Inf(1)
			for _, c := range centroids {
				if dd := squaredDistance(row, c); dd < d {
					d = dd
				}
			}
			if d > best {
				best = d
				next = i
			}
		}
		centroids = append(centroids, append([]float64(nil), rows[next]...))
	}

	labels := make([]int, n)
	for iter := 0; iter < maxKMeansIterations; iter++ {
		changed := false
		for i, row := range rows {
			best, bestDist := 0, math.Inf(1)
			for c := range centroids {
				if d := squaredDistance(row, centroids[c]); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, row := range rows {
			counts[labels[i]]++
			for j, v := range row {
				sums[labels[i]][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster with the point farthest from
				// its current centroid
				far, best := 0, -1.0
				for i, row := range rows {
					if d := squaredDistance(row, centroids[labels[i]]); d > best {
						best = d
						far = i
					}
				}
				copy(centroids[c], rows[far])
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}

	return labels
}

// meanSilhouette scores a clustering: per point, (b-a)/max(a,b) where a is
// the mean intra-cluster distance and b the smallest mean distance to
// another cluster. Singleton-cluster points score 0.
func meanSilhouette(rows [][]float64, labels []int, k int) float64 {
	n := len(rows)
	if n == 0 || k < 2 {
		return 0
	}

	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}

	scores := make([]float64, 0, n)
	for i := range rows {
		if counts[labels[i]] <= 1 {
			scores = append(scores, 0)
			continue
		}

		distSums := make([]float64, k)
		for j := range rows {
			if i == j {
				continue
			}
			distSums[labels[j]] += math.Sqrt(squaredDistance(rows[i], rows[j]))
		}

		a := distSums[labels[i]] / float64(counts[labels[i]]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == labels[i] || counts[c] == 0 {
				continue
			}
			if mean := distSums[c] / float64(counts[c]); mean < b {
				b = mean
			}
		}
		if math.IsInf(b, 1) {
			scores = append(scores, 0)
			continue
		}

		denom := math.Max(a, b)
		if denom == 0 {
			scores = append(scores, 0)
			continue
		}
		scores = append(scores, (b-a)/denom)
	}

	return stat.Mean(scores, nil)
}

func squaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
