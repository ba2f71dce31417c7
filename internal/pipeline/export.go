package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-etl-engine/internal/model"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
)

// Loader writes a dataset to a target sink
type Loader interface {
	Load(ctx context.Context, ds *model.Dataset, target model.TargetDescriptor) (ExportResult, error)
}

// ExportResult represents the result of an export operation
type ExportResult struct {
	Type          string    `json:"type"`     // csv, json, jsonl, parquet, sqlite, postgres
	Location      string    `json:"location"` // file path, object URL or table
	RecordsLoaded int       `json:"records_loaded"`
	BytesWritten  int64     `json:"bytes_written,omitempty"`
	ExportedAt    time.Time `json:"exported_at"`
}

// ExportManager is the default Loader. Files are written atomically; s3://
// locations need Objects to be set.
type ExportManager struct {
	Objects ObjectStore
	Output  *utils.OutputManager
	Log     zerolog.Logger
}

// NewExportManager creates a loader rooted at the output manager's directory
func NewExportManager(objects ObjectStore, output *utils.OutputManager, log zerolog.Logger) *ExportManager {
	return &ExportManager{Objects: objects, Output: output, Log: log}
}

// fileEncoder renders a dataset into the bytes of one output file
type fileEncoder func(ds *model.Dataset, opts model.Options) ([]byte, error)

var fileEncoders = map[string]fileEncoder{
	"csv":     encodeCSV,
	"json":    encodeJSON,
	"jsonl":   encodeJSONLines,
	"parquet": encodeParquet,
}

var contentTypes = map[string]string{
	"csv":     "text/csv",
	"json":    "application/json",
	"jsonl":   "application/x-ndjson",
	"parquet": "application/vnd.apache.parquet",
}

// sqlDrivers maps database target types to database/sql driver names
var sqlDrivers = map[string]string{
	"sqlite":   "sqlite3",
	"postgres": "postgres",
}

// SupportedTargetTypes lists the target tags Load accepts
func SupportedTargetTypes() []string {
	return []string{"csv", "json", "jsonl", "parquet", "sqlite", "postgres"}
}

// TargetType returns the declared type, or the one implied by the location's extension
func TargetType(target model.TargetDescriptor) string {
	t := strings.ToLower(strings.TrimSpace(target.Type))
	if t == "" {
		t = (&utils.OutputManager{}).GetFileType(target.Location)
	}
	return t
}

// Load writes every row of ds. Nothing partial is left behind on failure.
func (em *ExportManager) Load(ctx context.Context, ds *model.Dataset, target model.TargetDescriptor) (ExportResult, error) {
	targetType := TargetType(target)
	if target.Location == "" {
		return ExportResult{}, model.NewError(model.UnsupportedTarget, "target location is required")
	}
	if err := ctx.Err(); err != nil {
		return ExportResult{}, err
	}

	if driver, ok := sqlDrivers[targetType]; ok {
		return em.loadSQL(ctx, ds, target, targetType, driver)
	}

	encode, ok := fileEncoders[targetType]
	if !ok {
		return ExportResult{}, model.NewError(model.UnsupportedTarget, "unsupported target type %q, expected one of %s",
			target.Type, strings.Join(SupportedTargetTypes(), ", "))
	}
	data, err := encode(ds, target.Options)
	if err != nil {
		return ExportResult{}, writeFailure(err, "failed to encode %s output", targetType)
	}

	result := ExportResult{
		Type:          targetType,
		RecordsLoaded: ds.NumRows(),
		BytesWritten:  int64(len(data)),
	}

	if isObjectURL(target.Location) {
		if em.Objects == nil {
			return ExportResult{}, model.NewError(model.UnsupportedTarget, "object storage is not configured")
		}
		bucket, key, err := splitObjectURL(target.Location)
		if err != nil {
			return ExportResult{}, model.WrapError(model.UnsupportedTarget, err, "invalid target location")
		}
		if err := em.Objects.Put(ctx, bucket, key, data, contentTypes[targetType]); err != nil {
			return ExportResult{}, err
		}
		result.Location = target.Location
	} else {
		path, err := em.resolvePath(target.Location)
		if err != nil {
			return ExportResult{}, err
		}
		if err := writeFileAtomic(path, data); err != nil {
			return ExportResult{}, err
		}
		result.Location = path
	}

	result.ExportedAt = time.Now().UTC()
	em.Log.Info().
		Str("type", result.Type).
		Str("location", result.Location).
		Int("records", result.RecordsLoaded).
		Int64("bytes", result.BytesWritten).
		Msg("target written")
	return result, nil
}

// resolvePath places a local target location under the output directory
func (em *ExportManager) resolvePath(location string) (string, error) {
	path, err := em.Output.ResolveLocation(localPath(location))
	if err != nil {
		return "", model.WrapError(model.UnsupportedTarget, err, "invalid target location %s", location)
	}
	return path, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return writeFailure(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return writeFailure(err, "failed to create file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return writeFailure(err, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return writeFailure(err, "failed to write %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return writeFailure(err, "failed to move output into %s", path)
	}
	return nil
}

func writeFailure(err error, format string, args ...interface{}) *model.Error {
	e := model.WrapError(model.WriteFailure, err, format, args...)
	e.Retryable = true
	return e
}

// ---- Encoders ----

func encodeCSV(ds *model.Dataset, opts model.Options) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if d := opts.String("delimiter", ""); d != "" {
		writer.Comma = []rune(d)[0]
	}

	if err := writer.Write(ds.Names()); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	row := make([]string, ds.NumCols())
	for r := 0; r < ds.NumRows(); r++ {
		for c, col := range ds.Columns {
			row[c] = col.Values[r].String()
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeJSON writes a JSON array of rows; with include_metadata the rows are
// wrapped together with export information.
func encodeJSON(ds *model.Dataset, opts model.Options) ([]byte, error) {
	rows, err := ds.MarshalRows()
	if err != nil {
		return nil, err
	}
	if !opts.Bool("include_metadata", false) {
		return rows, nil
	}

	exportData := map[string]interface{}{
		"export_info": map[string]interface{}{
			"exported_at":  time.Now().UTC(),
			"record_count": ds.NumRows(),
			"columns":      ds.Names(),
		},
		"data": json.RawMessage(rows),
	}
	return json.Marshal(exportData)
}

func encodeJSONLines(ds *model.Dataset, _ model.Options) ([]byte, error) {
	var buf bytes.Buffer
	for r := 0; r < ds.NumRows(); r++ {
		line, err := ds.MarshalRow(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
