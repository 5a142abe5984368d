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
	tracerName          = "taskboard/api"
	requestSpanName     = "taskboard.http.request"
	requestEventName    = "taskboard.request"
	requestEventDomain  = "taskboard.api"
	observabilityEvent  = "observability.event"
	requestAttrPrefix   = "taskboard.request."
	severityInfoNumber  = 9
	severityWarnNumber  = 13
	severityErrorNumber = 17
)

type requestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	method          string
	route           string
	userID          string
	authDuration    time.Duration
	serviceDuration time.Duration
	errorStage      string
}

// newRequestMetrics starts the request span. The returned context carries it.
func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveService(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.serviceDuration += duration
}

func (m *requestMetrics) SetUser(userID string) {
	if m == nil {
		return
	}
	m.userID = userID
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and emits one observability event for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := map[string]any{
		"http.route":                   m.route,
		"http.method":                  m.method,
		"http.status_code":             status,
		requestAttrPrefix + "total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.userID != "" {
		attrs["enduser.id"] = m.userID
	}
	if m.authDuration > 0 {
		attrs[requestAttrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		attrs[requestAttrPrefix+"service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.errorStage != "" {
		attrs[requestAttrPrefix+"error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := toAttributes(attrs)
		m.span.SetAttributes(kvs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(append(kvs,
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
		)...))
		if severityNumber >= severityErrorNumber {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case severityErrorNumber:
		entry.Error(observabilityEvent)
	case severityWarnNumber:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError || (status == 0 && err != nil):
		return "ERROR", severityErrorNumber
	case status >= http.StatusBadRequest:
		return "WARN", severityWarnNumber
	default:
		return "INFO", severityInfoNumber
	}
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
