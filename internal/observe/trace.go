package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every Stagecraft span.
const tracerName = "github.com/MrWong99/stagecraft"

// Span attribute keys shared by the pipeline stages.
const (
	AttrSignalID   = attribute.Key("stagecraft.signal.id")
	AttrSignalKind = attribute.Key("stagecraft.signal.kind")
	AttrEpisodeID  = attribute.Key("stagecraft.episode.id")
	AttrIncidentID = attribute.Key("stagecraft.incident.id")
	AttrMode       = attribute.Key("stagecraft.episode.mode")
)

type episodeKey struct{}

// Tracer returns the Stagecraft tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller ends it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EpisodeAttrs describes a staged episode on a span.
func EpisodeAttrs(episodeID, incidentID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEpisodeID.String(episodeID),
		AttrIncidentID.String(incidentID),
		AttrMode.String(mode),
	}
}

// WithEpisode tags ctx with an episode ID. [Logger] adds it to every line
// and the current span, if recording, gets it as an attribute.
func WithEpisode(ctx context.Context, episodeID string) context.Context {
	if episodeID == "" {
		return ctx
	}
	trace.SpanFromContext(ctx).SetAttributes(AttrEpisodeID.String(episodeID))
	return context.WithValue(ctx, episodeKey{}, episodeID)
}

// EpisodeID returns the episode tagged by [WithEpisode], or "".
func EpisodeID(ctx context.Context) string {
	id, _ := ctx.Value(episodeKey{}).(string)
	return id
}

// CorrelationID returns the trace ID in ctx, or "" without a span.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns [slog.Default] enriched with the trace, span and episode
// found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := EpisodeID(ctx); id != "" {
		l = l.With(slog.String("episode_id", id))
	}
	return l
}
