package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go-etl-engine/internal/model"
)

// ETLType is the type tag of the ETL agent
const ETLType = "etl_agent"

// ErrInvalidInput is returned when an agent payload cannot be decoded
var ErrInvalidInput = errors.New("invalid agent input")

// Submitter runs pipeline specs
type Submitter interface {
	Submit(ctx context.Context, spec model.PipelineSpec, caller model.Caller) (*model.Result, error)
}

// ETLAgent runs the payload as a pipeline spec
type ETLAgent struct {
	engine Submitter
}

// NewETLAgent returns a factory for ETL agents backed by engine
func NewETLAgent(engine Submitter) Factory {
	return func() Agent { return &ETLAgent{engine: engine} }
}

func (a *ETLAgent) Type() string { return ETLType }

func (a *ETLAgent) Initialize(context.Context) error {
	if a.engine == nil {
		return errors.New("etl agent: no engine")
	}
	return nil
}

// Execute decodes the payload strictly and submits it. A failed run is
// reported in the output and as the error.
func (a *ETLAgent) Execute(ctx context.Context, in Input) (Output, error) {
	spec, err := DecodeSpec(in.Payload)
	if err != nil {
		return Output{Agent: ETLType, Status: model.StatusFailed}, err
	}

	result, err := a.engine.Submit(ctx, spec, in.Caller)
	out := Output{Agent: ETLType, Data: result}
	if result != nil {
		out.Status = result.Status
	}
	return out, err
}

// DecodeSpec parses a pipeline spec, rejecting unknown fields and a missing
// source location
func DecodeSpec(payload []byte) (model.PipelineSpec, error) {
	var spec model.PipelineSpec
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if spec.Source.Location == "" {
		return spec, fmt.Errorf("%w: source.location is required", ErrInvalidInput)
	}
	return spec, nil
}
