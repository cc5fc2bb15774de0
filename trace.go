package h2adapter

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/imroc/h2adapter"

func startSpan(ctx context.Context, tracer trace.Tracer, req *http.Request) (context.Context, trace.Span) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("server.address", req.URL.Hostname()),
	)
	if port := req.URL.Port(); port != "" {
		span.SetAttributes(attribute.String("server.port", port))
	}
	return ctx, span
}

func endSpan(span trace.Span, resp *Response, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.String("network.protocol.version", resp.Proto),
	)
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
}
