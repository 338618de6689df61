package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime/strictmiddleware/nethttp"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/config"
)

const (
	attrStatusCode  = "http.status_code"
	attrStatusClass = "http.status_class"
)

// meters of the public API. They are replaced by initMeters.
type meters struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

var apiMeters meters

func initMeters(ctx context.Context, cfg *config.Config) error {
	meter := otel.Meter(
		"portfolio/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)

	requests, err := meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	duration, err := meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	apiMeters = meters{requests: requests, duration: duration}

	return nil
}

// statusOf is the status an API operation answers with. Errors are mapped
// the way writeError maps them.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}

	_, status := toErrorModel(err)

	return status
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// newTraceMiddleware covers the API operations with a span, a request scoped
// logger and the request meters.
func newTraceMiddleware(cfg *config.Config) nethttp.StrictHTTPMiddlewareFunc {
	return func(f nethttp.StrictHTTPHandlerFunc, operationID string) nethttp.StrictHTTPHandlerFunc {
		traceAttrs := otlp.CreateAttributesFrom(cfg.Application, attribute.String(commoncfg.AttrOperation, operationID))
		tracer := otel.Tracer(operationID, trace.WithInstrumentationAttributes(traceAttrs...))

		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, request any) (any, error) {
			ctx = slogctx.With(ctx,
				commoncfg.AttrRequestID, uuid.NewString(),
				commoncfg.AttrOperation, operationID,
			)

			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, operationID+"-span", trace.WithAttributes(traceAttrs...))
			defer span.End()

			start := time.Now()

			slogctx.Debug(ctx, "Processing request", "method", r.Method, "path", r.URL.Path)
			response, err := f(ctx, w, r, request)

			status := statusOf(err)
			span.SetAttributes(attribute.Int(attrStatusCode, status))
			if status >= http.StatusInternalServerError {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			if apiMeters.requests != nil {
				attrs := metric.WithAttributes(
					otlp.CreateAttributesFrom(cfg.Application,
						attribute.String("userAgent", r.UserAgent()),
						attribute.String(commoncfg.AttrOperation, operationID),
						attribute.String(attrStatusClass, statusClass(status)),
					)...,
				)

				apiMeters.requests.Add(ctx, 1, attrs)
				apiMeters.duration.Record(ctx, time.Since(start).Milliseconds(), attrs)
			}

			slogctx.Info(ctx, "Finished request", "status", status, "duration", time.Since(start))

			return response, err
		}
	}
}
