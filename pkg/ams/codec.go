package ams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known property bag keys.
const (
	PropertyReferences = "amsReferences"
	PropertyMetadata   = "amsMetadata"
)

var errNullValue = errors.New("null value")

// Properties is the flat string map carried inside a message envelope.
type Properties map[string]string

// Merge returns a new bag holding the entries of p overlaid with each of others.
func (p Properties) Merge(others ...Properties) Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// PropertyCodec flattens file reference lists and metadata records into a
// property bag and back. Implementations never fail loudly: an absent result
// is reported through the boolean.
type PropertyCodec interface {
	DecodeFileIDs(ctx context.Context, bag Properties) ([]string, bool)
	EncodeFileIDs(ctx context.Context, ids []string) (Properties, bool)
	DecodeMetadata(ctx context.Context, bag Properties) ([]map[string]string, bool)
	EncodeMetadata(ctx context.Context, records []map[string]string) (Properties, bool)
}

// JSONCodec stores each list as JSON text under its well-known key.
type JSONCodec struct {
	Logger    ScenarioLogger
	Marshal   func(any) ([]byte, error)
	Unmarshal func([]byte, any) error
}

// NewJSONCodec returns a codec using encoding/json and the given logger.
func NewJSONCodec(logger ScenarioLogger) *JSONCodec {
	return &JSONCodec{Logger: logger}
}

func (c *JSONCodec) DecodeFileIDs(ctx context.Context, bag Properties) ([]string, bool) {
	sc := startScenario(ctx, c.logger(), ScenarioGetFileIDs)
	raw, ok := bag[PropertyReferences]
	if !ok {
		sc.fail(StepDecode, bag, fmt.Errorf("property %q not set", PropertyReferences))
		return nil, false
	}

	var ids []string
	if err := c.unmarshal([]byte(raw), &ids); err != nil {
		sc.fail(StepDecode, raw, err)
		return nil, false
	}
	if ids == nil {
		sc.fail(StepDecode, raw, errNullValue)
		return nil, false
	}

	sc.complete()
	return ids, true
}

func (c *JSONCodec) EncodeFileIDs(ctx context.Context, ids []string) (Properties, bool) {
	sc := startScenario(ctx, c.logger(), ScenarioCreateFileIDProperty)
	if ids == nil {
		ids = []string{}
	}
	data, err := c.marshal(ids)
	if err != nil {
		sc.fail(StepEncode, ids, err)
		return nil, false
	}
	sc.complete()
	return Properties{PropertyReferences: string(data)}, true
}

func (c *JSONCodec) DecodeMetadata(ctx context.Context, bag Properties) ([]map[string]string, bool) {
	sc := startScenario(ctx, c.logger(), ScenarioGetFileMetadata)
	raw, ok := bag[PropertyMetadata]
	if !ok {
		sc.fail(StepDecode, bag, fmt.Errorf("property %q not set", PropertyMetadata))
		return nil, false
	}

	var records []map[string]string
	if err := c.unmarshal([]byte(raw), &records); err != nil {
		sc.fail(StepDecode, raw, err)
		return nil, false
	}
	if records == nil {
		sc.fail(StepDecode, raw, errNullValue)
		return nil, false
	}
	for i, rec := range records {
		if rec == nil {
			sc.fail(StepDecode, raw, fmt.Errorf("record %d: %w", i, errNullValue))
			return nil, false
		}
	}

	sc.complete()
	return records, true
}

func (c *JSONCodec) EncodeMetadata(ctx context.Context, records []map[string]string) (Properties, bool) {
	sc := startScenario(ctx, c.logger(), ScenarioCreateMetadataProperty)
	if records == nil {
		records = []map[string]string{}
	}
	data, err := c.marshal(records)
	if err != nil {
		sc.fail(StepEncode, records, err)
		return nil, false
	}
	sc.complete()
	return Properties{PropertyMetadata: string(data)}, true
}

func (c *JSONCodec) logger() ScenarioLogger {
	if c == nil || c.Logger == nil {
		return NopScenarioLogger{}
	}
	return c.Logger
}

func (c *JSONCodec) marshal(v any) ([]byte, error) {
	if c != nil && c.Marshal != nil {
		return c.Marshal(v)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) unmarshal(data []byte, v any) error {
	if c != nil && c.Unmarshal != nil {
		return c.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
