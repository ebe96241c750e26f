package runner

import (
	"context"

	"github.com/forgebuild/forge/pkg/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracingRunner struct {
	inner  CommandRunner
	tracer trace.Tracer
}

// NewTracingRunner records one trace span per process run, annotated
// with the process description and the outcome.
func NewTracingRunner(inner CommandRunner, tracerProvider trace.TracerProvider) CommandRunner {
	return &tracingRunner{
		inner:  inner,
		tracer: tracerProvider.Tracer("github.com/forgebuild/forge/pkg/runner"),
	}
}

func (r *tracingRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	ctx, span := r.tracer.Start(ctx, "process.run", trace.WithAttributes(
		attribute.String("process.description", p.Description),
		attribute.String("process.environment", p.Execution.Name),
		attribute.String("process.cache_scope", p.Scope.String()),
	))
	defer span.End()

	result, err := r.inner.Run(ctx, p)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("process.exit_code", int(result.ExitCode)),
		attribute.String("process.result_source", result.Metadata.Source.String()),
	)
	return result, nil
}
