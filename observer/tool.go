package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quayrun/quay"
)

// WrapTool returns a copy of d whose Invoke is instrumented with a span,
// execution metrics, and a structured log record.
func WrapTool(d quay.ToolDescriptor, inst *Instruments) quay.ToolDescriptor {
	inner := d.Invoke
	name := d.Name
	d.Invoke = func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
			AttrToolName.String(name),
			AttrAgentID.String(tc.AgentID),
		))
		defer span.End()
		start := time.Now()

		result, err := inner(ctx, input, tc)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(result)),
		)

		attrs := metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(status),
		)
		inst.ToolExecutions.Add(ctx, 1, attrs)
		inst.ToolDuration.Record(ctx, durationMs, attrs)

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool invocation completed"))
		rec.AddAttributes(
			otellog.String("tool.name", name),
			otellog.String("agent.id", tc.AgentID),
			otellog.String("status", status),
			otellog.Float64("tool.duration_ms", durationMs),
			otellog.Int("tool.result_length", len(result)),
		)
		inst.Logger.Emit(ctx, rec)

		return result, err
	}
	return d
}

// WrapTools instruments every descriptor in ds.
func WrapTools(ds []quay.ToolDescriptor, inst *Instruments) []quay.ToolDescriptor {
	out := make([]quay.ToolDescriptor, len(ds))
	for i, d := range ds {
		out[i] = WrapTool(d, inst)
	}
	return out
}
