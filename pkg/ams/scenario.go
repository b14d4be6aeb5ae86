package ams

import (
	"context"
	"fmt"
)

// Scenario names reported through the ScenarioLogger.
const (
	ScenarioUpload                 = "AMSUpload"
	ScenarioDownload               = "AMSDownload"
	ScenarioGetFileIDs             = "GetFileIds"
	ScenarioCreateFileIDProperty   = "CreateFileIdProperty"
	ScenarioGetFileMetadata        = "GetFileMetadata"
	ScenarioCreateMetadataProperty = "CreateFileMetadataProperty"
)

// Step tags identify which stage of an operation failed.
const (
	StepFetchBlob      = "AMSFetchBlobFailure"
	StepCreateObject   = "AMSCreateObjectFailure"
	StepUploadDocument = "AMSUploadDocumentFailure"
	StepGetViewStatus  = "AMSGetViewStatusFailure"
	StepGetView        = "AMSGetViewFailure"
	StepDecode         = "DecodeFailure"
	StepEncode         = "EncodeFailure"
)

// Diagnostic keys.
const (
	DiagScenario = "scenario"
	DiagStep     = "step"
	DiagInput    = "input"
	DiagError    = "error"
)

// Diagnostic is the structured payload attached to a failed scenario.
type Diagnostic map[string]string

// ScenarioLogger receives start/complete/fail signals for named operations.
// Start returns the context that must be handed to the matching Complete or
// Fail call, so implementations can correlate concurrent scenarios that share
// a name.
type ScenarioLogger interface {
	Start(ctx context.Context, scenario string) context.Context
	Complete(ctx context.Context, scenario string)
	Fail(ctx context.Context, scenario string, diag Diagnostic)
}

// NopScenarioLogger discards every signal.
type NopScenarioLogger struct{}

func (NopScenarioLogger) Start(ctx context.Context, _ string) context.Context { return ctx }
func (NopScenarioLogger) Complete(context.Context, string)                    {}
func (NopScenarioLogger) Fail(context.Context, string, Diagnostic)            {}

// scenario tracks one running operation and enforces that it ends exactly once.
type scenario struct {
	logger ScenarioLogger
	name   string
	ctx    context.Context
	done   bool
}

func startScenario(ctx context.Context, logger ScenarioLogger, name string) *scenario {
	if logger == nil {
		logger = NopScenarioLogger{}
	}
	return &scenario{logger: logger, name: name, ctx: logger.Start(ctx, name)}
}

// Context carries whatever the logger attached on Start.
func (s *scenario) Context() context.Context { return s.ctx }

func (s *scenario) complete() {
	if s.done {
		return
	}
	s.done = true
	s.logger.Complete(s.ctx, s.name)
}

func (s *scenario) fail(step string, input any, err error) {
	if s.done {
		return
	}
	s.done = true
	diag := Diagnostic{
		DiagScenario: s.name,
		DiagStep:     step,
		DiagInput:    stringify(input),
	}
	if err != nil {
		diag[DiagError] = err.Error()
	}
	s.logger.Fail(s.ctx, s.name, diag)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%+v", t)
	}
}
