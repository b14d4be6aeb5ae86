package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"attachd/pkg/ams"
)

const (
	outcomeComplete = "complete"
	outcomeFail     = "fail"
)

type scenarioStartKey struct{}

// ScenarioLogger reports ams scenarios as spans, Prometheus series and log lines.
type ScenarioLogger struct {
	tracer   trace.Tracer
	logger   zerolog.Logger
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewScenarioLogger registers the scenario metrics on reg. A nil reg uses the
// default Prometheus registerer.
func NewScenarioLogger(logger zerolog.Logger, reg prometheus.Registerer) *ScenarioLogger {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &ScenarioLogger{
		tracer: otel.Tracer("attachd/ams"),
		logger: logger,
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attachd_scenarios_total",
			Help: "Attachment scenarios by name and outcome.",
		}, []string{"scenario", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attachd_scenario_duration_seconds",
			Help:    "Attachment scenario latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scenario"}),
	}
}

var _ ams.ScenarioLogger = (*ScenarioLogger)(nil)

func (s *ScenarioLogger) Start(ctx context.Context, scenario string) context.Context {
	ctx, _ = s.tracer.Start(ctx, scenario)
	s.logger.Debug().Str("scenario", scenario).Str("trace_id", TraceID(ctx)).Msg("scenario started")
	return context.WithValue(ctx, scenarioStartKey{}, time.Now())
}

func (s *ScenarioLogger) Complete(ctx context.Context, scenario string) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Ok, "")
	span.End()

	s.observe(ctx, scenario, outcomeComplete)
	s.logger.Debug().Str("scenario", scenario).Str("trace_id", TraceID(ctx)).Msg("scenario completed")
}

func (s *ScenarioLogger) Fail(ctx context.Context, scenario string, diag ams.Diagnostic) {
	span := trace.SpanFromContext(ctx)
	attrs := make([]attribute.KeyValue, 0, len(diag))
	for k, v := range diag {
		attrs = append(attrs, attribute.String("ams."+k, v))
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, diag[ams.DiagStep])
	span.End()

	s.observe(ctx, scenario, outcomeFail)

	evt := s.logger.Error().Str("scenario", scenario).Str("trace_id", TraceID(ctx))
	for k, v := range diag {
		if k == ams.DiagScenario {
			continue
		}
		evt = evt.Str(k, v)
	}
	evt.Msg("scenario failed")
}

func (s *ScenarioLogger) observe(ctx context.Context, scenario, outcome string) {
	s.total.WithLabelValues(scenario, outcome).Inc()
	if started, ok := ctx.Value(scenarioStartKey{}).(time.Time); ok {
		s.duration.WithLabelValues(scenario).Observe(time.Since(started).Seconds())
	}
}
