package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sid-analytics/internal/models"
	"sid-analytics/internal/repository"
)

type fakeReferenceRepository struct {
	communes     []models.Commune
	indicators   []models.Indicator
	years        []repository.YearRow
	observations []repository.ObservationRow
	batches      int
}

func (f *fakeReferenceRepository) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	return models.NewSnapshot(f.communes, f.indicators, nil), nil
}

func (f *fakeReferenceRepository) UpsertCommunesBatch(ctx context.Context, communes []models.Commune) error {
	f.communes = append(f.communes, communes...)
	return nil
}

func (f *fakeReferenceRepository) UpsertIndicatorsBatch(ctx context.Context, indicators []models.Indicator) error {
	f.indicators = append(f.indicators, indicators...)
	return nil
}

func (f *fakeReferenceRepository) UpsertYearsBatch(ctx context.Context, years []repository.YearRow) error {
	f.years = append(f.years, years...)
	return nil
}

func (f *fakeReferenceRepository) UpsertObservationsBatch(ctx context.Context, rows []repository.ObservationRow) error {
	f.observations = append(f.observations, rows...)
	f.batches++
	return nil
}

func (f *fakeReferenceRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func writeExportFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

func TestIngestDirectory(t *testing.T) {
	dir := t.TempDir()
	writeExportFiles(t, dir, map[string]string{
		"communes.csv": "id,nom,departement,population\n" +
			"1,Banikoara,Alibori,246575\n" +
			"2,Gogounou,Alibori,117523\n",
		"indicateurs.csv": "id,nom\n" +
			"1,Sessions ordinaires\n" +
			"3,Budget investi\n",
		"annees.csv": "id,annee\n" +
			"1,2019\n" +
			"2,2020\n",
		"donnees.csv": "id,commune_id,indicateur_id,annee_id,valeur\n" +
			"1,1,1,1,40.5\n" +
			"2,1,1,2,42.0\n" +
			"3,2,3,2,13.7\n",
	})

	repo := &fakeReferenceRepository{}
	service := NewIngestionService(repo, testLogger(), testMetrics)

	result, err := service.IngestDirectory(context.Background(), dir, 1000)
	if err != nil {
		t.Fatalf("IngestDirectory returned error: %v", err)
	}

	if result.TotalFiles != 4 {
		t.Errorf("TotalFiles = %d, want 4", result.TotalFiles)
	}
	if result.SuccessfulRecords != 9 {
		t.Errorf("SuccessfulRecords = %d, want 9", result.SuccessfulRecords)
	}
	if result.FailedRecords != 0 {
		t.Errorf("FailedRecords = %d, want 0", result.FailedRecords)
	}

	if len(repo.communes) != 2 {
		t.Fatalf("communes = %d, want 2", len(repo.communes))
	}
	if repo.communes[0].Department == nil || *repo.communes[0].Department != "Alibori" {
		t.Errorf("Department = %v, want Alibori", repo.communes[0].Department)
	}
	if repo.communes[0].Population == nil || *repo.communes[0].Population != 246575 {
		t.Errorf("Population = %v, want 246575", repo.communes[0].Population)
	}

	if len(repo.years) != 2 || repo.years[1].Year != 2020 {
		t.Errorf("years = %+v, want ids 1,2 for 2019,2020", repo.years)
	}
	if len(repo.observations) != 3 {
		t.Fatalf("observations = %d, want 3", len(repo.observations))
	}
	if repo.observations[2].Value != 13.7 {
		t.Errorf("last observation value = %v, want 13.7", repo.observations[2].Value)
	}
}

func TestIngestDirectory_SkipsBadRows(t *testing.T) {
	dir := t.TempDir()
	writeExportFiles(t, dir, map[string]string{
		"communes.csv": "id,nom\n" +
			"1,Banikoara\n" +
			"notanumber,Broken\n",
		"indicateurs.csv": "id,nom\n1,Sessions\n",
		"annees.csv":      "id,annee\n1,2020\n",
		"donnees.csv": "id,commune_id,indicateur_id,annee_id,valeur\n" +
			"1,1,1,1,40.5\n" +
			"2,1,1,1,notafloat\n",
	})

	repo := &fakeReferenceRepository{}
	service := NewIngestionService(repo, testLogger(), testMetrics)

	result, err := service.IngestDirectory(context.Background(), dir, 1000)
	if err != nil {
		t.Fatalf("IngestDirectory returned error: %v", err)
	}

	if result.FailedRecords != 2 {
		t.Errorf("FailedRecords = %d, want 2", result.FailedRecords)
	}
	if len(repo.communes) != 1 {
		t.Errorf("communes = %d, want 1 (bad row skipped)", len(repo.communes))
	}
	if len(repo.observations) != 1 {
		t.Errorf("observations = %d, want 1 (bad row skipped)", len(repo.observations))
	}
}

func TestIngestDirectory_MissingFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeExportFiles(t, dir, map[string]string{
		"communes.csv": "id,nom\n1,Banikoara\n",
		// indicateurs.csv intentionally absent
	})

	repo := &fakeReferenceRepository{}
	service := NewIngestionService(repo, testLogger(), testMetrics)

	if _, err := service.IngestDirectory(context.Background(), dir, 1000); err == nil {
		t.Fatal("expected error for a missing export file")
	}
}

func TestIngestDirectory_BatchFlush(t *testing.T) {
	dir := t.TempDir()
	writeExportFiles(t, dir, map[string]string{
		"communes.csv":    "id,nom\n1,Banikoara\n",
		"indicateurs.csv": "id,nom\n1,Sessions\n",
		"annees.csv":      "id,annee\n1,2019\n2,2020\n3,2021\n",
		"donnees.csv": "id,commune_id,indicateur_id,annee_id,valeur\n" +
			"1,1,1,1,10\n" +
			"2,1,1,2,20\n" +
			"3,1,1,3,30\n",
	})

	repo := &fakeReferenceRepository{}
	service := NewIngestionService(repo, testLogger(), testMetrics)

	result, err := service.IngestDirectory(context.Background(), dir, 2)
	if err != nil {
		t.Fatalf("IngestDirectory returned error: %v", err)
	}

	if len(repo.observations) != 3 {
		t.Errorf("observations = %d, want 3", len(repo.observations))
	}
	// Batch size 2 over 3 rows: one full flush plus the remainder
	if repo.batches != 2 {
		t.Errorf("observation batches = %d, want 2", repo.batches)
	}
	if result.SuccessfulRecords != 8 {
		t.Errorf("SuccessfulRecords = %d, want 8", result.SuccessfulRecords)
	}
}
