package pipeline

import (
	"sort"

	"go-etl-engine/internal/model"
	"go-etl-engine/internal/usage"
)

var formatFeatures = map[string]string{
	"csv":      usage.FeatureCSV,
	"json":     usage.FeatureJSON,
	"jsonl":    usage.FeatureJSON,
	"parquet":  usage.FeatureParquet,
	"sqlite":   usage.FeatureDatabase,
	"postgres": usage.FeatureDatabase,
}

// RequiredFeatures lists the tier features a spec needs, sorted. ops must be
// the decoded form of spec.Transformations.
func RequiredFeatures(spec model.PipelineSpec, ops []Operation) []string {
	set := make(map[string]struct{})
	add := func(f string) {
		if f != "" {
			set[f] = struct{}{}
		}
	}

	add(formatFeatures[sourceFormat(spec.Source)])
	add(formatFeatures[TargetType(spec.Target)])
	if isObjectURL(spec.Source.Location) || isObjectURL(spec.Target.Location) {
		add(usage.FeatureCloudStorage)
	}

	for _, op := range ops {
		add(operationFeature(op))
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func operationFeature(op Operation) string {
	switch o := op.(type) {
	case addColumn:
		if o.Expr != nil {
			return usage.FeatureAdvancedTransformations
		}
		return usage.FeatureBasicTransformations
	case aggregate, dedup, dropNulls, sortRows:
		return usage.FeatureAdvancedTransformations
	default:
		return usage.FeatureBasicTransformations
	}
}
