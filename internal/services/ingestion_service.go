package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sid-analytics/internal/models"
	"sid-analytics/internal/repository"
	"sid-analytics/pkg/logging"
	"sid-analytics/pkg/metrics"
)

// IngestionService loads the exported reference CSV files (communes.csv,
// indicateurs.csv, annees.csv, donnees.csv) into the database.
type IngestionService struct {
	repo    repository.ReferenceRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	TotalFiles        int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Duration          time.Duration
	Errors            []string
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.ReferenceRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// IngestDirectory ingests the four export files from a directory. The
// reference tables are loaded before the observations so the foreign keys
// hold. Malformed CSV rows are skipped and counted, not fatal; a missing
// file is fatal.
func (s *IngestionService) IngestDirectory(ctx context.Context, dataDir string, batchSize int) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting reference data ingestion", logging.Fields{
		"data_dir":   dataDir,
		"batch_size": batchSize,
		"stage":      "INITIALIZATION",
	})

	result := &IngestionResult{
		Errors: make([]string, 0),
	}

	steps := []struct {
		file   string
		ingest func(ctx context.Context, records [][]string, header []string, batchSize int) (int, int, error)
	}{
		{"communes.csv", s.ingestCommunes},
		{"indicateurs.csv", s.ingestIndicators},
		{"annees.csv", s.ingestYears},
		{"donnees.csv", s.ingestObservations},
	}

	for _, step := range steps {
		filePath := filepath.Join(dataDir, step.file)
		header, records, err := readCSVFile(filePath)
		if err != nil {
			s.metrics.RecordIngestionError("file_error")
			return nil, fmt.Errorf("failed to read %s: %w", step.file, err)
		}

		result.TotalFiles++
		result.TotalRecords += len(records)

		ok, failed, err := step.ingest(ctx, records, header, batchSize)
		if err != nil {
			errMsg := fmt.Sprintf("failed to ingest %s: %v", step.file, err)
			result.Errors = append(result.Errors, errMsg)
			s.logger.Error(ctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
				"file_path": filePath,
				"stage":     "FILE_PROCESSING",
			}, err)
			s.metrics.RecordIngestionError("insert_error")
			return result, err
		}

		result.SuccessfulRecords += ok
		result.FailedRecords += failed

		s.logger.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", logging.Fields{
			"file_path":          filePath,
			"total_records":      len(records),
			"successful_records": ok,
			"failed_records":     failed,
			"stage":              "FILE_COMPLETE",
		})
	}

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Reference data ingestion completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_seconds":   result.Duration.Seconds(),
		"error_count":        len(result.Errors),
		"stage":              "COMPLETE",
	})

	return result, nil
}

// readCSVFile reads a CSV file into a header and rows. Rows with the wrong
// field count are returned anyway and dealt with by the per-file ingestors,
// so a single bad line never aborts the file.
func readCSVFile(filePath string) ([]string, [][]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}

	var records [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip malformed rows
			continue
		}
		records = append(records, row)
	}

	return header, records, nil
}

// columnIndex finds a header column, -1 when absent.
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func (s *IngestionService) ingestCommunes(ctx context.Context, records [][]string, header []string, batchSize int) (int, int, error) {
	idCol := columnIndex(header, "id")
	nameCol := columnIndex(header, "nom")
	if idCol < 0 || nameCol < 0 {
		return 0, 0, fmt.Errorf("communes.csv missing required columns id/nom")
	}
	deptCol := columnIndex(header, "departement")
	popCol := columnIndex(header, "population")

	var communes []models.Commune
	failed := 0

	for _, row := range records {
		if idCol >= len(row) || nameCol >= len(row) {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(row[idCol]))
		if err != nil {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		commune := models.Commune{ID: id, Name: strings.TrimSpace(row[nameCol])}
		if deptCol >= 0 && deptCol < len(row) && strings.TrimSpace(row[deptCol]) != "" {
			d := strings.TrimSpace(row[deptCol])
			commune.Department = &d
		}
		if popCol >= 0 && popCol < len(row) {
			if p, err := strconv.ParseInt(strings.TrimSpace(row[popCol]), 10, 64); err == nil {
				commune.Population = &p
			}
		}
		communes = append(communes, commune)
	}

	if err := s.repo.UpsertCommunesBatch(ctx, communes); err != nil {
		return 0, failed, err
	}
	return len(communes), failed, nil
}

func (s *IngestionService) ingestIndicators(ctx context.Context, records [][]string, header []string, batchSize int) (int, int, error) {
	idCol := columnIndex(header, "id")
	nameCol := columnIndex(header, "nom")
	if idCol < 0 || nameCol < 0 {
		return 0, 0, fmt.Errorf("indicateurs.csv missing required columns id/nom")
	}

	var indicators []models.Indicator
	failed := 0

	for _, row := range records {
		if idCol >= len(row) || nameCol >= len(row) {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(row[idCol]))
		if err != nil {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		indicators = append(indicators, models.Indicator{
			ID:   id,
			Name: strings.TrimSpace(row[nameCol]),
		})
	}

	if err := s.repo.UpsertIndicatorsBatch(ctx, indicators); err != nil {
		return 0, failed, err
	}
	return len(indicators), failed, nil
}

func (s *IngestionService) ingestYears(ctx context.Context, records [][]string, header []string, batchSize int) (int, int, error) {
	idCol := columnIndex(header, "id")
	yearCol := columnIndex(header, "annee")
	if idCol < 0 || yearCol < 0 {
		return 0, 0, fmt.Errorf("annees.csv missing required columns id/annee")
	}

	var years []repository.YearRow
	failed := 0

	for _, row := range records {
		if idCol >= len(row) || yearCol >= len(row) {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		id, errID := strconv.Atoi(strings.TrimSpace(row[idCol]))
		year, errYear := strconv.Atoi(strings.TrimSpace(row[yearCol]))
		if errID != nil || errYear != nil {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		years = append(years, repository.YearRow{ID: id, Year: year})
	}

	if err := s.repo.UpsertYearsBatch(ctx, years); err != nil {
		return 0, failed, err
	}
	return len(years), failed, nil
}

func (s *IngestionService) ingestObservations(ctx context.Context, records [][]string, header []string, batchSize int) (int, int, error) {
	communeCol := columnIndex(header, "commune_id")
	indicatorCol := columnIndex(header, "indicateur_id")
	yearCol := columnIndex(header, "annee_id")
	valueCol := columnIndex(header, "valeur")
	if communeCol < 0 || indicatorCol < 0 || yearCol < 0 || valueCol < 0 {
		return 0, 0, fmt.Errorf("donnees.csv missing required columns")
	}

	ok := 0
	failed := 0
	batch := make([]repository.ObservationRow, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.repo.UpsertObservationsBatch(ctx, batch); err != nil {
			return err
		}
		ok += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, row := range records {
		if communeCol >= len(row) || indicatorCol >= len(row) || yearCol >= len(row) || valueCol >= len(row) {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}

		communeID, errCommune := strconv.Atoi(strings.TrimSpace(row[communeCol]))
		indicatorID, errIndicator := strconv.Atoi(strings.TrimSpace(row[indicatorCol]))
		yearID, errYear := strconv.Atoi(strings.TrimSpace(row[yearCol]))
		value, errValue := strconv.ParseFloat(strings.TrimSpace(row[valueCol]), 64)
		if errCommune != nil || errIndicator != nil || errYear != nil || errValue != nil {
			failed++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}

		batch = append(batch, repository.ObservationRow{
			CommuneID:   communeID,
			IndicatorID: indicatorID,
			YearID:      yearID,
			Value:       value,
		})

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return ok, failed, fmt.Errorf("failed to insert batch: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		return ok, failed, fmt.Errorf("failed to insert final batch: %w", err)
	}

	return ok, failed, nil
}
