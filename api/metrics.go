package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "todo-registry/api"
	metricsMessage     = "todos.request.metrics"
	observabilityEvent = "observability.event"
)

type requestMetrics struct {
	logger *log.Logger
	span   trace.Span

	operation      string
	route          string
	start          time.Time
	authDuration   time.Duration
	ledgerDuration time.Duration
	requestID      string
	caller         string
	todoID         uint64
	hasTodoID      bool
	found          *bool
	replayed       bool
	errorStage     string
	cause          error
}

// newRequestMetrics starts the span for one registry operation. The returned
// context carries the span.
func newRequestMetrics(ctx context.Context, logger *log.Logger, operation, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "todos."+operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("todos.operation", operation),
			attribute.String("http.route", route),
		))
	return &requestMetrics{
		logger:    logger,
		span:      span,
		operation: operation,
		route:     route,
		start:     time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveLedger(d time.Duration) {
	if d > 0 {
		m.ledgerDuration = d
	}
}

func (m *requestMetrics) SetRequestID(id string) { m.requestID = id }
func (m *requestMetrics) SetCaller(caller string) { m.caller = caller }
func (m *requestMetrics) SetReplayed(r bool) { m.replayed = r }

func (m *requestMetrics) SetTodoID(id uint64) {
	m.todoID = id
	m.hasTodoID = true
}

func (m *requestMetrics) SetFound(found bool) {
	m.found = &found
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Fail records the stage and cause of a failed request.
func (m *requestMetrics) Fail(stage string, err error) {
	m.SetErrorStage(stage)
	m.cause = err
}

// Log ends the span and writes the request summary line.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	total := time.Since(m.start)
	severity, _ := severityForStatus(status, err)

	fields := log.Fields{
		"operation": m.operation,
		"route":     m.route,
		"status":    status,
		"total_ms":  durationToMillis(total),
		"severity":  severity,
	}
	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Float64("todos.total_ms", durationToMillis(total)),
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
		attrs = append(attrs, attribute.String("http.request_id", m.requestID))
	}
	if m.caller != "" {
		fields["caller"] = m.caller
		attrs = append(attrs, attribute.String("todos.caller", m.caller))
	}
	if m.hasTodoID {
		fields["todo_id"] = m.todoID
		attrs = append(attrs, attribute.Int64("todos.id", int64(m.todoID)))
	}
	if m.found != nil {
		fields["found"] = *m.found
		attrs = append(attrs, attribute.Bool("todos.found", *m.found))
	}
	if m.replayed {
		fields["replayed"] = true
		attrs = append(attrs, attribute.Bool("todos.replayed", true))
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.ledgerDuration > 0 {
		fields["ledger_ms"] = durationToMillis(m.ledgerDuration)
		attrs = append(attrs, attribute.Float64("todos.ledger_ms", durationToMillis(m.ledgerDuration)))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("todos.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(attribute.String("severity_text", severity)))
		if err != nil {
			m.span.RecordError(err)
		}
		switch {
		case severity != "ERROR":
			m.span.SetStatus(codes.Ok, "")
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		default:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	entry := m.logger.WithFields(fields)
	switch severity {
	case "ERROR":
		entry.Error(metricsMessage)
	case "WARN":
		entry.Warn(metricsMessage)
	default:
		entry.Info(metricsMessage)
	}
}

// severityForStatus maps an outcome to OpenTelemetry severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
