package pipeline

import (
	"math"

	"go-etl-engine/internal/model"
)

// QualityWeights weight the three penalty ratios of the quality score
type QualityWeights struct {
	Nulls       float64 `json:"nulls" yaml:"nulls" toml:"nulls"`
	Duplicates  float64 `json:"duplicates" yaml:"duplicates" toml:"duplicates"`
	Conversions float64 `json:"conversions" yaml:"conversions" toml:"conversions"`
}

// DefaultQualityWeights weighs every ratio equally
func DefaultQualityWeights() QualityWeights {
	return QualityWeights{Nulls: 1, Duplicates: 1, Conversions: 1}
}

// QualityValidator scores the post-transformation dataset
type QualityValidator struct {
	Weights QualityWeights
}

// NewQualityValidator falls back to equal weights when none are positive
func NewQualityValidator(w QualityWeights) *QualityValidator {
	if w.Nulls < 0 || w.Duplicates < 0 || w.Conversions < 0 || w.Nulls+w.Duplicates+w.Conversions <= 0 {
		w = DefaultQualityWeights()
	}
	return &QualityValidator{Weights: w}
}

// Score computes
//
//	1 - (wn*null_ratio + wd*duplicate_ratio + wc*conversion_failure_ratio) / (wn+wd+wc)
//
// clamped to [0,1]. It only reads the dataset.
func (v *QualityValidator) Score(ds *model.Dataset, t Transformation) model.QualityReport {
	report := model.QualityReport{
		Rows:               ds.NumRows(),
		Columns:            ds.NumCols(),
		NullCounts:         make(map[string]int, ds.NumCols()),
		ConversionFailures: t.ConversionFailures,
		ConversionAttempts: t.ConversionAttempts,
	}

	for _, col := range ds.Columns {
		n := 0
		for _, cell := range col.Values {
			if cell.IsNull() {
				n++
			}
		}
		report.NullCounts[col.Name] = n
		report.NullCells += n
	}
	report.DuplicateRows = countDuplicateRows(ds)

	if cells := report.Rows * report.Columns; cells > 0 {
		report.NullRatio = float64(report.NullCells) / float64(cells)
	}
	if report.Rows > 0 {
		report.DuplicateRatio = float64(report.DuplicateRows) / float64(report.Rows)
	}
	if report.ConversionAttempts > 0 {
		report.ConversionFailureRatio = float64(report.ConversionFailures) / float64(report.ConversionAttempts)
	}

	w := v.Weights
	penalty := (w.Nulls*report.NullRatio + w.Duplicates*report.DuplicateRatio + w.Conversions*report.ConversionFailureRatio) /
		(w.Nulls + w.Duplicates + w.Conversions)
	report.Score = math.Max(0, math.Min(1, 1-penalty))
	return report
}

// countDuplicateRows counts rows identical to an earlier row
func countDuplicateRows(ds *model.Dataset) int {
	idx, _ := columnIndexes(ds, nil)
	seen := make(map[string]bool, ds.NumRows())
	dups := 0
	for r := 0; r < ds.NumRows(); r++ {
		k := rowKey(ds, r, idx)
		if seen[k] {
			dups++
			continue
		}
		seen[k] = true
	}
	return dups
}
