//go:build !otelotlp

package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op by default. Build with -tags otelotlp to wire
// the OTLP exporter.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler is a no-op by default.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// WrapHTTPTransport is a no-op by default.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper { return t }
