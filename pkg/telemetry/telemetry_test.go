package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decisionFor(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "advise",
	}).Decision
}

func TestSamplerFromEnv(t *testing.T) {
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased_traceidratio", "0", sdktrace.Drop},
		{"", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		t.Setenv("OTEL_TRACES_SAMPLER", tc.name)
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", tc.arg)
		if got := decisionFor(samplerFromEnv()); got != tc.want {
			t.Fatalf("sampler %q arg %q: got %v, want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestIdentityAttrs(t *testing.T) {
	got := map[string]string{}
	for _, kv := range identityAttrs(Options{Environment: "staging", LedgerBackend: "postgres"}) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["service.namespace"] != "aegis" {
		t.Fatalf("expected aegis namespace, got %q", got["service.namespace"])
	}
	if got["deployment.environment"] != "staging" {
		t.Fatalf("expected staging environment, got %q", got["deployment.environment"])
	}
	if got["ledger.backend"] != "postgres" {
		t.Fatalf("expected postgres ledger backend, got %q", got["ledger.backend"])
	}

	minimal := identityAttrs(Options{})
	if len(minimal) != 1 {
		t.Fatalf("blank options must only set the namespace, got %d attrs", len(minimal))
	}
}

func TestHeaderMap(t *testing.T) {
	headers := headerMap("x-auth=tok, team = trust ,broken, =bad")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %d (%#v)", len(headers), headers)
	}
	if headers["x-auth"] != "tok" || headers["team"] != "trust" {
		t.Fatalf("unexpected headers: %#v", headers)
	}
	if got := headerMap("   "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TELEMETRY_TEST_SEC", "7")
	if got := envDuration("TELEMETRY_TEST_SEC", time.Second); got != 7*time.Second {
		t.Fatalf("expected 7s, got %v", got)
	}
	t.Setenv("TELEMETRY_TEST_SEC", "bad")
	if got := envDuration("TELEMETRY_TEST_SEC", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected default 3s, got %v", got)
	}
}

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := Init(context.Background(), Options{Service: "aegisd", LedgerBackend: "memory"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("OTEL_REQUIRED", "false")
	ctxOptional, cancelOptional := context.WithCancel(context.Background())
	cancelOptional()
	shutdown, err := Init(ctxOptional, Options{Service: "aegisd"})
	if err != nil {
		t.Fatalf("optional exporter must degrade without error, got %v", err)
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	ctxRequired, cancelRequired := context.WithCancel(context.Background())
	cancelRequired()
	if _, err := Init(ctxRequired, Options{Service: "aegisd"}); err == nil {
		t.Fatal("required exporter must surface startup failure")
	}
}

func TestInitExporterWithHeadersAndInsecure(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-auth=tok")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, Options{Service: "   "})
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExporterRequiredUnreachableEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, Options{Service: "aegisd"}); err == nil {
		t.Fatal("expected init error for malformed endpoint when required")
	}
}

func TestHTTPMiddlewareSkipsProbes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(prev)

	handler := HTTPMiddleware("aegisd")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/readyz", "/v1/advise"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", path, rr.Code)
		}
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span (probes excluded), got %d", len(spans))
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}

	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected same client back")
	}
}

func TestHTTPMiddlewareDefaultServiceName(t *testing.T) {
	handler := HTTPMiddleware("  ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}
