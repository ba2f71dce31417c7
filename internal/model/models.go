package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Options holds free-form descriptor settings
type Options map[string]interface{}

// String returns an option as text
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns an option as a boolean, accepting "true"/"false" strings
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Int64 returns an option as an integer
func (o Options) Int64(key string, def int64) int64 {
	switch v := o[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// SourceDescriptor says where to read from and in which format
type SourceDescriptor struct {
	Type     string  `json:"type" yaml:"type"` // csv, json, jsonl
	Location string  `json:"location" yaml:"location"`
	Options  Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// TargetDescriptor says where to write to and in which format
type TargetDescriptor struct {
	Type     string  `json:"type" yaml:"type"` // csv, json, jsonl, parquet, sqlite, postgres
	Location string  `json:"location" yaml:"location"`
	Options  Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// OperationSpec is one undecoded entry of the transformations list
type OperationSpec map[string]interface{}

// Name returns the operation tag
func (o OperationSpec) Name() string {
	s, _ := o["operation"].(string)
	return s
}

// PipelineSpec is the body of POST /api/v1/pipelines
type PipelineSpec struct {
	Source          SourceDescriptor `json:"source" yaml:"source"`
	Transformations []OperationSpec  `json:"transformations" yaml:"transformations"`
	Target          TargetDescriptor `json:"target" yaml:"target"`
}

// Caller is the already-resolved identity submitting a run
type Caller struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}
