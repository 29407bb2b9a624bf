// Package store persists published dataset versions and the audit trail.
//
// Every publish writes a complete, self-contained version directory under
// <output_dir>/versions/<id>/ via a staging area and a single rename, so
// readers never observe a partially written version. The LATEST pointer
// file is likewise replaced atomically.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
)

const (
	versionsDir   = "versions"
	stagingDir    = ".staging"
	latestFile    = "LATEST"
	canonicalName = "canonical.csv"
	metricsName   = "metrics.csv"
	manifestName  = "manifest.json"
)

var canonicalHeader = []string{
	"symbol", "name", "date", "open", "high", "low", "close", "volume", "change_percent",
}

var metricsHeader = []string{
	"symbol", "date", "rank", "rank_delta", "momentum", "change_percent", "labels",
}

// Manifest describes one published version.
type Manifest struct {
	VersionID   string    `json:"version_id"`
	CreatedAt   time.Time `json:"created_at"`
	SourcePath  string    `json:"source_path"`
	SourceHash  string    `json:"source_hash"`
	RecordCount int       `json:"record_count"`
	FirstDate   string    `json:"first_date,omitempty"`
	LastDate    string    `json:"last_date,omitempty"`
	Collisions  int       `json:"collisions"`
}

// Versioner owns the output directory. Publishes are serialized by an
// internal mutex; concurrent readers only ever see fully promoted
// versions.
type Versioner struct {
	outputDir string
	retain    int
	logger    *slog.Logger

	mu sync.Mutex
}

// NewVersioner creates a Versioner rooted at outputDir, retaining at most
// retain published versions.
func NewVersioner(outputDir string, retain int, logger *slog.Logger) *Versioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Versioner{
		outputDir: outputDir,
		retain:    retain,
		logger:    logger.With(slog.String("component", "versioner")),
	}
}

var versionSeq atomic.Uint64

// newVersionID returns a sortable, collision-resistant version id: a UTC
// millisecond timestamp, a process-local sequence number so ids minted in
// the same millisecond still sort in publish order, and a short random
// suffix.
func newVersionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%sZ-%06d-%s",
		now.UTC().Format("20060102T150405.000"), versionSeq.Add(1), suffix)
}

// Publish writes the table and its metrics as a new version and promotes
// it. On any error the staging directory is discarded and the previous
// LATEST pointer is untouched.
func (v *Versioner) Publish(table *domain.CanonicalTable, snaps []domain.MetricSnapshot, manifest Manifest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := newVersionID(time.Now())
	manifest.VersionID = id
	manifest.CreatedAt = time.Now().UTC()
	manifest.RecordCount = table.Len()
	if dates := table.Dates(); len(dates) > 0 {
		manifest.FirstDate = dates[0].Format(domain.DateFormat)
		manifest.LastDate = dates[len(dates)-1].Format(domain.DateFormat)
	}

	staging := filepath.Join(v.outputDir, stagingDir, id)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", apperrors.NewPublishError("create staging directory", err)
	}
	defer os.RemoveAll(staging)

	if err := writeCanonicalCSV(filepath.Join(staging, canonicalName), table); err != nil {
		return "", err
	}
	if err := writeMetricsCSV(filepath.Join(staging, metricsName), snaps); err != nil {
		return "", err
	}
	if err := writeManifest(filepath.Join(staging, manifestName), manifest); err != nil {
		return "", err
	}

	final := filepath.Join(v.outputDir, versionsDir, id)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return "", apperrors.NewPublishError("create versions directory", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return "", apperrors.NewPublishError("promote version", err).WithContext("version", id)
	}

	if err := v.writeLatest(id); err != nil {
		return "", err
	}

	v.logger.Info("published version",
		slog.String("version", id),
		slog.Int("records", manifest.RecordCount))
	return id, nil
}

// writeLatest atomically replaces the LATEST pointer.
func (v *Versioner) writeLatest(id string) error {
	tmp := filepath.Join(v.outputDir, latestFile+".tmp")
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return apperrors.NewPublishError("write latest pointer", err)
	}
	if err := os.Rename(tmp, filepath.Join(v.outputDir, latestFile)); err != nil {
		return apperrors.NewPublishError("replace latest pointer", err)
	}
	return nil
}

// Latest returns the id of the current version, or "" when nothing has
// been published yet.
func (v *Versioner) Latest() (string, error) {
	data, err := os.ReadFile(filepath.Join(v.outputDir, latestFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.NewTransientIOError("read latest pointer", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Versions lists published version ids in ascending (oldest first) order.
func (v *Versioner) Versions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(v.outputDir, versionsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewTransientIOError("list versions", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadLatestTable reads the canonical table of the current version. An
// empty output directory yields an empty table, not an error.
func (v *Versioner) LoadLatestTable() (*domain.CanonicalTable, error) {
	id, err := v.Latest()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return domain.NewCanonicalTable(), nil
	}
	return readCanonicalCSV(filepath.Join(v.outputDir, versionsDir, id, canonicalName))
}

// Prune removes the oldest versions beyond the retention limit. The
// version LATEST points to is never removed. It returns how many
// versions were deleted.
func (v *Versioner) Prune() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids, err := v.Versions()
	if err != nil {
		return 0, err
	}
	if len(ids) <= v.retain {
		return 0, nil
	}
	latest, err := v.Latest()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids[:len(ids)-v.retain] {
		if id == latest {
			continue
		}
		if err := os.RemoveAll(filepath.Join(v.outputDir, versionsDir, id)); err != nil {
			return removed, apperrors.NewTransientIOError("remove version", err).WithContext("version", id)
		}
		removed++
	}
	if removed > 0 {
		v.logger.Info("pruned versions", slog.Int("removed", removed), slog.Int("retained", v.retain))
	}
	return removed, nil
}

func writeCanonicalCSV(path string, table *domain.CanonicalTable) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.NewPublishError("create canonical csv", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(canonicalHeader); err != nil {
		return apperrors.NewPublishError("write canonical csv", err)
	}
	for _, r := range table.Records() {
		row := []string{
			r.Symbol,
			r.Name,
			r.Date.Format(domain.DateFormat),
			formatFloat(r.Open),
			formatFloat(r.High),
			formatFloat(r.Low),
			formatFloat(r.Close),
			strconv.FormatInt(r.Volume, 10),
			formatFloat(r.ChangePercent),
		}
		if err := w.Write(row); err != nil {
			return apperrors.NewPublishError("write canonical csv", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperrors.NewPublishError("flush canonical csv", err)
	}
	return f.Sync()
}

func writeMetricsCSV(path string, snaps []domain.MetricSnapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.NewPublishError("create metrics csv", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(metricsHeader); err != nil {
		return apperrors.NewPublishError("write metrics csv", err)
	}
	for _, s := range snaps {
		row := []string{
			s.Symbol,
			s.Date.Format(domain.DateFormat),
			strconv.Itoa(s.Rank),
			formatOptionalInt(s.RankDelta),
			formatOptionalFloat(s.Momentum),
			formatFloat(s.ChangePercent),
			strings.Join(s.Labels, "|"),
		}
		if err := w.Write(row); err != nil {
			return apperrors.NewPublishError("write metrics csv", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperrors.NewPublishError("flush metrics csv", err)
	}
	return f.Sync()
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.NewPublishError("encode manifest", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return apperrors.NewPublishError("write manifest", err)
	}
	return nil
}

func readCanonicalCSV(path string) (*domain.CanonicalTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewTransientIOError("open canonical csv", err).WithContext("path", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, apperrors.NewTransientIOError("read canonical csv", err).WithContext("path", path)
	}
	table := domain.NewCanonicalTable()
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) != len(canonicalHeader) {
			return nil, apperrors.New(apperrors.ErrTypeValidation,
				fmt.Sprintf("canonical csv row %d has %d fields, want %d", i, len(row), len(canonicalHeader)), nil)
		}
		date, err := time.Parse(domain.DateFormat, row[2])
		if err != nil {
			return nil, apperrors.NewRowError(i, "date", err.Error()).WithContext("path", path)
		}
		rec := domain.CanonicalRecord{
			Symbol:        row[0],
			Name:          row[1],
			Date:          date,
			Open:          mustFloat(row[3]),
			High:          mustFloat(row[4]),
			Low:           mustFloat(row[5]),
			Close:         mustFloat(row[6]),
			ChangePercent: mustFloat(row[8]),
		}
		rec.Volume, _ = strconv.ParseInt(row[7], 10, 64)
		table.Upsert(rec)
	}
	return table, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
