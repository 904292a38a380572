// Package telemetry installs the Datadog-backed OpenTelemetry tracer provider
// and, optionally, the continuous profiler. Packages that trace their work
// start spans through StartSpan so the Datadog tracer measures them.
package telemetry

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"

	"pkg.world.dev/world-engine/worldstore/config"
)

type Manager struct {
	service              string
	tracerShutdownFunc   func() error
	profilerShutdownFunc func()
	tracerProvider       *ddotel.TracerProvider
}

func New(service string, enableTrace bool, enableProfiler bool) (*Manager, error) {
	tm := Manager{service: service}

	tm.setupPropagator()

	if enableTrace {
		tm.setupTrace()
	}

	if enableProfiler {
		if err := tm.setupProfiler(); err != nil {
			return nil, errors.Join(err, tm.Shutdown())
		}
	}

	return &tm, nil
}

// FromConfig starts whatever cfg enables. With tracing off, spans go to the
// global no-op provider.
func FromConfig(service string, cfg config.Config) (*Manager, error) {
	return New(service, cfg.TraceEnabled, cfg.ProfilerEnabled)
}

// Tracing reports whether spans are exported.
func (tm *Manager) Tracing() bool {
	return tm.tracerProvider != nil
}

// Shutdown stops the tracer and the profiler if they were started. Calling it
// again is a no-op.
func (tm *Manager) Shutdown() error {
	var err error
	if tm.tracerShutdownFunc != nil {
		err = tm.tracerShutdownFunc()
		tm.tracerShutdownFunc = nil
		tm.tracerProvider = nil
	}
	if tm.profilerShutdownFunc != nil {
		tm.profilerShutdownFunc()
		tm.profilerShutdownFunc = nil
	}
	return err
}

func (tm *Manager) setupPropagator() {
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)
}

func (tm *Manager) setupTrace() {
	tm.tracerProvider = ddotel.NewTracerProvider(tracer.WithService(tm.service), tracer.WithRuntimeMetrics())
	tm.tracerShutdownFunc = tm.tracerProvider.Shutdown
	otel.SetTracerProvider(tm.tracerProvider)
}

func (tm *Manager) setupProfiler() error {
	err := profiler.Start(
		profiler.WithService(tm.service),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	)
	if err != nil {
		return eris.Wrap(err, "failed to start profiler")
	}
	tm.profilerShutdownFunc = profiler.Stop
	return nil
}

// StartSpan starts a span that the Datadog tracer records as a measured
// operation. The caller ends it.
func StartSpan(
	ctx context.Context, t trace.Tracer, name string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	return t.Start(ddotel.ContextWithStartOptions(ctx, tracer.Measured()), name, opts...) //nolint:spancheck // ended by caller
}

// RecordError marks the span failed with the full eris trace of err.
func RecordError(span trace.Span, err error) {
	span.SetStatus(codes.Error, eris.ToString(err, true))
	span.RecordError(err)
}
