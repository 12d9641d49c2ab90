package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sid-analytics/internal/models"
	"sid-analytics/pkg/database"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

// ReferenceRepository provides data access for the commune, indicator,
// year, and observation tables.
type ReferenceRepository interface {
	// Snapshot loading
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)

	// Ingestion operations
	UpsertCommunesBatch(ctx context.Context, communes []models.Commune) error
	UpsertIndicatorsBatch(ctx context.Context, indicators []models.Indicator) error
	UpsertYearsBatch(ctx context.Context, years []YearRow) error
	UpsertObservationsBatch(ctx context.Context, rows []ObservationRow) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// YearRow is one entry of the year lookup table: observations reference
// calendar years through the surrogate id.
type YearRow struct {
	ID   int `db:"id"`
	Year int `db:"annee"`
}

// ObservationRow is a raw observation as stored, keyed by year surrogate id.
type ObservationRow struct {
	CommuneID   int     `db:"commune_id"`
	IndicatorID int     `db:"indicateur_id"`
	YearID      int     `db:"annee_id"`
	Value       float64 `db:"valeur"`
}

// referenceRepository implements ReferenceRepository
type referenceRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewReferenceRepository creates a new reference data repository
func NewReferenceRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ReferenceRepository {
	return &referenceRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// LoadSnapshot reads all reference tables and observations and builds the
// immutable in-memory Snapshot. A failing table query is fatal
// (DataLoadError); individual malformed rows are skipped and counted.
func (r *referenceRepository) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	start := time.Now()
	defer func() {
		r.metrics.SnapshotLoadDuration.Observe(time.Since(start).Seconds())
	}()

	communes, skippedCommunes, err := r.loadCommunes(ctx)
	if err != nil {
		return nil, &models.DataLoadError{Table: "communes", Err: err}
	}

	indicators, skippedIndicators, err := r.loadIndicators(ctx)
	if err != nil {
		return nil, &models.DataLoadError{Table: "indicateurs", Err: err}
	}

	observations, skippedObservations, err := r.loadObservations(ctx)
	if err != nil {
		return nil, &models.DataLoadError{Table: "donnees", Err: err}
	}

	r.metrics.RecordSkippedRows("communes", skippedCommunes)
	r.metrics.RecordSkippedRows("indicateurs", skippedIndicators)
	r.metrics.RecordSkippedRows("donnees", skippedObservations)

	snapshot := models.NewSnapshot(communes, indicators, observations)

	r.metrics.SnapshotCommunes.Set(float64(len(communes)))
	r.metrics.SnapshotObservations.Set(float64(len(observations)))

	r.logger.Info(ctx, "[SNAPSHOT_LOADED] Snapshot built from reference tables", logging.Fields{
		"communes":             len(communes),
		"indicators":           len(indicators),
		"observations":         len(observations),
		"skipped_communes":     skippedCommunes,
		"skipped_indicators":   skippedIndicators,
		"skipped_observations": skippedObservations,
		"duration_ms":          time.Since(start).Milliseconds(),
	})

	return snapshot, nil
}

func (r *referenceRepository) loadCommunes(ctx context.Context) ([]models.Commune, int, error) {
	query := `
		SELECT id, nom, departement, population
		FROM communes
		ORDER BY id
	`

	rows, err := r.db.QueryxContext(ctx, "load_communes", query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var communes []models.Commune
	skipped := 0

	for rows.Next() {
		var row struct {
			ID         sql.NullInt64   `db:"id"`
			Name       sql.NullString  `db:"nom"`
			Department sql.NullString  `db:"departement"`
			Population sql.NullInt64   `db:"population"`
		}
		if err := rows.StructScan(&row); err != nil {
			skipped++
			continue
		}
		if !row.ID.Valid || !row.Name.Valid {
			skipped++
			continue
		}

		commune := models.Commune{
			ID:   int(row.ID.Int64),
			Name: row.Name.String,
		}
		if row.Department.Valid {
			d := row.Department.String
			commune.Department = &d
		}
		if row.Population.Valid {
			p := row.Population.Int64
			commune.Population = &p
		}
		communes = append(communes, commune)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return communes, skipped, nil
}

func (r *referenceRepository) loadIndicators(ctx context.Context) ([]models.Indicator, int, error) {
	query := `
		SELECT id, nom
		FROM indicateurs
		ORDER BY id
	`

	rows, err := r.db.QueryxContext(ctx, "load_indicators", query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var indicators []models.Indicator
	skipped := 0

	for rows.Next() {
		var row struct {
			ID   sql.NullInt64  `db:"id"`
			Name sql.NullString `db:"nom"`
		}
		if err := rows.StructScan(&row); err != nil {
			skipped++
			continue
		}
		if !row.ID.Valid || !row.Name.Valid {
			skipped++
			continue
		}
		indicators = append(indicators, models.Indicator{
			ID:   int(row.ID.Int64),
			Name: row.Name.String,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return indicators, skipped, nil
}

// loadObservations resolves year surrogate ids through the annees lookup
// table. Rows with a NULL value or an annee_id the lookup table does not
// know are skipped, not fatal.
func (r *referenceRepository) loadObservations(ctx context.Context) ([]models.Observation, int, error) {
	query := `
		SELECT d.commune_id, d.indicateur_id, a.annee AS year, d.valeur
		FROM donnees d
		LEFT JOIN annees a ON a.id = d.annee_id
		ORDER BY d.commune_id, d.indicateur_id
	`

	rows, err := r.db.QueryxContext(ctx, "load_observations", query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var observations []models.Observation
	skipped := 0

	for rows.Next() {
		var row struct {
			CommuneID   sql.NullInt64   `db:"commune_id"`
			IndicatorID sql.NullInt64   `db:"indicateur_id"`
			Year        sql.NullInt64   `db:"year"`
			Value       sql.NullFloat64 `db:"valeur"`
		}
		if err := rows.StructScan(&row); err != nil {
			skipped++
			continue
		}
		if !row.CommuneID.Valid || !row.IndicatorID.Valid || !row.Year.Valid || !row.Value.Valid {
			skipped++
			continue
		}
		observations = append(observations, models.Observation{
			CommuneID:   int(row.CommuneID.Int64),
			IndicatorID: int(row.IndicatorID.Int64),
			Year:        int(row.Year.Int64),
			Value:       row.Value.Float64,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return observations, skipped, nil
}

// UpsertCommunesBatch inserts or updates communes in a single transaction
func (r *referenceRepository) UpsertCommunesBatch(ctx context.Context, communes []models.Commune) error {
	if len(communes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO communes (id, nom, departement, population)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			nom = EXCLUDED.nom,
			departement = EXCLUDED.departement,
			population = EXCLUDED.population
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range communes {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.Department, c.Population); err != nil {
			return fmt.Errorf("failed to insert commune %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpsertIndicatorsBatch inserts or updates indicator reference rows
func (r *referenceRepository) UpsertIndicatorsBatch(ctx context.Context, indicators []models.Indicator) error {
	if len(indicators) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicateurs (id, nom)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET nom = EXCLUDED.nom
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ind := range indicators {
		if _, err := stmt.ExecContext(ctx, ind.ID, ind.Name); err != nil {
			return fmt.Errorf("failed to insert indicator %d: %w", ind.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpsertYearsBatch inserts or updates year lookup rows
func (r *referenceRepository) UpsertYearsBatch(ctx context.Context, years []YearRow) error {
	if len(years) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annees (id, annee)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET annee = EXCLUDED.annee
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, y := range years {
		if _, err := stmt.ExecContext(ctx, y.ID, y.Year); err != nil {
			return fmt.Errorf("failed to insert year %d: %w", y.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpsertObservationsBatch inserts observations in a single transaction,
// enforcing the (commune_id, indicateur_id, annee_id) natural key.
func (r *referenceRepository) UpsertObservationsBatch(ctx context.Context, observations []ObservationRow) error {
	if len(observations) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.IngestionBatchSize.Observe(float64(len(observations)))
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Batch insert completed", logging.Fields{
			"count":       len(observations),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO donnees (commune_id, indicateur_id, annee_id, valeur)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (commune_id, indicateur_id, annee_id) DO UPDATE SET
			valeur = EXCLUDED.valeur
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, obs := range observations {
		_, err := stmt.ExecContext(ctx,
			obs.CommuneID,
			obs.IndicatorID,
			obs.YearID,
			obs.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.IngestionRecordsTotal.Add(float64(len(observations)))

	return nil
}

// HealthCheck performs a repository health check
func (r *referenceRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
