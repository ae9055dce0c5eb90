package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Growth semantic convention attributes.
var (
	AttrAgent   = attribute.Key("kfactor.agent")
	AttrAction  = attribute.Key("kfactor.action")
	AttrOutcome = attribute.Key("kfactor.outcome")

	AttrLoopID    = attribute.Key("kfactor.loop.id")
	AttrLoopState = attribute.Key("kfactor.loop.state")
	AttrPersona   = attribute.Key("kfactor.persona")
	AttrTrigger   = attribute.Key("kfactor.trigger")

	AttrShortCode = attribute.Key("kfactor.link.short_code")
	AttrCohort    = attribute.Key("kfactor.cohort")
)

// AgentCall creates attributes for a capability agent call.
func AgentCall(agent, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgent.String(agent),
		AttrAction.String(action),
	}
}

// LoopOperation creates attributes for loop executor operations.
func LoopOperation(loopID, persona, trigger string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrLoopID.String(loopID),
	}
	if persona != "" {
		attrs = append(attrs, AttrPersona.String(persona))
	}
	if trigger != "" {
		attrs = append(attrs, AttrTrigger.String(trigger))
	}
	return attrs
}

// LinkOperation creates attributes for attribution link operations.
func LinkOperation(shortCode, loopID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrShortCode.String(shortCode),
		AttrLoopID.String(loopID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
