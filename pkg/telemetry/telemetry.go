// Package telemetry wires OpenTelemetry tracing for the advisory service.
// Emitted spans carry the process's audit identity so a trace can be joined
// against the ledger records it produced.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

// Options identifies the process in emitted traces.
type Options struct {
	Service       string
	Environment   string
	LedgerBackend string
}

// Init installs the global tracer provider. Without an OTLP endpoint the
// provider still samples locally so trace context propagates to the risk
// platform; with one, spans are batched to the collector. Exporter startup
// failure is fatal only when OTEL_REQUIRED=true.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	service := strings.TrimSpace(opts.Service)
	if service == "" {
		service = "aegis"
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		append(identityAttrs(opts), semconv.ServiceName(service))...,
	))

	tpOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(samplerFromEnv()),
	}
	exporter, err := newExporter(ctx)
	switch {
	case err != nil && os.Getenv("OTEL_REQUIRED") == "true":
		return nil, err
	case err != nil:
		log.Printf("trace exporter unavailable, spans stay in-process: %v", err)
	case exporter != nil:
		tpOpts = append(tpOpts, trace.WithBatcher(exporter))
	}

	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func identityAttrs(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNamespace("aegis")}
	if e := strings.TrimSpace(opts.Environment); e != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(e))
	}
	if backend := strings.TrimSpace(opts.LedgerBackend); backend != "" {
		attrs = append(attrs, attribute.String("ledger.backend", backend))
	}
	return attrs
}

func newExporter(ctx context.Context) (trace.SpanExporter, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(envDuration("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5*time.Second)),
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := headerMap(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func samplerFromEnv() trace.Sampler {
	ratio := samplerRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER"))) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

func samplerRatio(arg string) float64 {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = v
	}
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// HTTPMiddleware traces inbound requests. Health and readiness probes are
// excluded: they fire every few seconds and carry no advisory context.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "aegis"
	}
	return otelhttp.NewMiddleware(service, otelhttp.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
	}))
}

// InstrumentClient adds trace propagation to outbound platform calls, linking
// each ledger record's upstream call to the request that caused it.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func headerMap(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
