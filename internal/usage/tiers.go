package usage

import (
	"sort"

	"go-etl-engine/internal/model"
)

// Feature names granted by tiers
const (
	FeatureCSV                     = "csv_support"
	FeatureJSON                    = "json_support"
	FeatureParquet                 = "xml_parquet_support"
	FeatureDatabase                = "database_support"
	FeatureCloudStorage            = "cloud_storage"
	FeatureBasicTransformations    = "basic_transformations"
	FeatureAdvancedTransformations = "advanced_transformations"
	FeatureAllTransformations      = "all_transformations"
	FeatureCustomTransformations   = "custom_transformations"
	FeatureDataValidation          = "data_validation"
	FeatureQualityMetrics          = "quality_metrics"
	FeatureAPIAccess               = "api_access"
	FeatureRealTimeProcessing      = "real_time_processing"
	FeatureDedicatedSupport        = "dedicated_support"
	FeatureSLA                     = "sla"
)

// Default tier names
const (
	TierFree         = "free"
	TierBasic        = "basic"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

const mib = 1024 * 1024

// Policies resolves a tier name to its policy
type Policies interface {
	Policy(tier string) (model.TierPolicy, bool)
}

// PolicySet is a static Policies keyed by tier name
type PolicySet map[string]model.TierPolicy

func (s PolicySet) Policy(tier string) (model.TierPolicy, bool) {
	p, ok := s[tier]
	return p, ok
}

// Names returns the tier names, sorted
func (s PolicySet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultPolicies returns the built-in tiers. Each tier includes the features
// of the tiers below it.
func DefaultPolicies() PolicySet {
	free := []string{FeatureCSV, FeatureBasicTransformations}
	basic := append(append([]string{}, free...),
		FeatureJSON, FeatureAdvancedTransformations, FeatureDataValidation)
	professional := append(append([]string{}, basic...),
		FeatureAllTransformations, FeatureParquet, FeatureQualityMetrics, FeatureAPIAccess,
		FeatureDatabase, FeatureCloudStorage)
	enterprise := append(append([]string{}, professional...),
		FeatureCustomTransformations, FeatureRealTimeProcessing, FeatureDedicatedSupport, FeatureSLA)

	return PolicySet{
		TierFree: {
			Name:              TierFree,
			MaxFileSizeBytes:  1 * mib,
			MaxExecutions:     10,
			RequestsPerMinute: 10,
			Features:          free,
			Timeout:           "1m",
		},
		TierBasic: {
			Name:              TierBasic,
			MaxFileSizeBytes:  10 * mib,
			MaxExecutions:     1000,
			RequestsPerMinute: 100,
			Features:          basic,
			Timeout:           "5m",
		},
		TierProfessional: {
			Name:              TierProfessional,
			MaxFileSizeBytes:  100 * mib,
			MaxExecutions:     10000,
			RequestsPerMinute: 1000,
			Features:          professional,
			Timeout:           "15m",
		},
		TierEnterprise: {
			Name:     TierEnterprise,
			Features: enterprise,
			Timeout:  "1h",
		},
	}
}
