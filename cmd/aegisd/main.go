package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/breaker"
	"aegis/pkg/evidence"
	"aegis/pkg/gate"
	"aegis/pkg/hardening"
	"aegis/pkg/httpx"
	"aegis/pkg/ledger"
	"aegis/pkg/metrics"
	"aegis/pkg/pipeline"
	"aegis/pkg/platform"
	"aegis/pkg/ratelimit"
	"aegis/pkg/sanitize"
	"aegis/pkg/store"
	"aegis/pkg/stream"
	"aegis/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// healthChecker is implemented by both ledger backends.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

type Server struct {
	Ledger              ledger.Ledger
	LedgerHealth        healthChecker
	Breakers            *breaker.Registry
	Pipeline            *pipeline.Pipeline
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
}

type (
	initTelemetryFunc = func(ctx context.Context, opts telemetry.Options) (func(context.Context) error, error)
	listenFunc        = func(server *http.Server) error
)

var (
	initTelemetryFn initTelemetryFunc = telemetry.Init
	listenFn        listenFunc        = func(server *http.Server) error { return server.ListenAndServe() }
	logFatalf                         = log.Fatalf
)

func main() {
	if err := run(initTelemetryFn, listenFn); err != nil {
		logFatalf("aegisd: %v", err)
	}
}

func run(initTelemetry initTelemetryFunc, listen listenFunc) error {
	ctx := context.Background()
	ledgerBackend := "memory"
	if strings.TrimSpace(env("DATABASE_URL", "")) != "" {
		ledgerBackend = "postgres"
	}
	shutdown, err := initTelemetry(ctx, telemetry.Options{
		Service:       "aegisd",
		Environment:   env("ENVIRONMENT", env("APP_ENV", "")),
		LedgerBackend: ledgerBackend,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	hashSalt := env("LEDGER_HASH_SALT", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "aegisd",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		PlatformBaseURL:    env("PLATFORM_BASE_URL", ""),
		PlatformToken:      env("PLATFORM_AUTH_TOKEN", ""),
		LedgerHashSalt:     hashSalt,
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	var (
		led       ledger.Ledger
		ledHealth healthChecker
	)
	if ledgerBackend == "postgres" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		pg := ledger.NewPostgres(pool, []byte(hashSalt))
		led, ledHealth = pg, pg
	} else {
		log.Printf("DATABASE_URL unset, using in-memory ledger")
		mem := ledger.NewMemory([]byte(hashSalt))
		led, ledHealth = mem, mem
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	breakers := breaker.NewRegistry(
		envInt("BREAKER_FAILURE_THRESHOLD", 5),
		time.Second*time.Duration(envInt("BREAKER_COOLDOWN_SEC", 30)),
	)
	reg := metrics.NewRegistry()
	events := stream.NewHub()
	scrub := sanitize.New(splitList(env("SANITIZE_ENTITY_PATTERNS", "")))

	client := &platform.Client{
		Config: platform.Config{
			BaseURL:        env("PLATFORM_BASE_URL", "http://localhost:9090/"),
			AuthToken:      env("PLATFORM_AUTH_TOKEN", ""),
			Dependency:     "risk-platform",
			CallTimeout:    time.Millisecond * time.Duration(envInt("PLATFORM_TIMEOUT_MS", 5000)),
			MaxRetries:     envInt("PLATFORM_RETRIES", 2),
			RetryBaseDelay: time.Millisecond * time.Duration(envInt("PLATFORM_RETRY_DELAY_MS", 100)),
			CacheTTL:       time.Second * time.Duration(envInt("PLATFORM_CACHE_TTL_SEC", 60)),
		},
		HTTP:    telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("PLATFORM_TIMEOUT_MS", 5000))}),
		Breaker: breakers.For("risk-platform"),
		Cache:   cache,
		Ledger:  led,
		Scrub:   scrub,
		Metrics: reg,
		Events:  events,
	}

	policies := gate.DefaultPolicies()
	if path := strings.TrimSpace(env("GATE_POLICY_FILE", "")); path != "" {
		policies, err = gate.LoadPolicies(path)
		if err != nil {
			return fmt.Errorf("gate policies: %w", err)
		}
	}
	g := gate.New(policies, env("GATE_NORMALIZE_EVIDENCE", "false") == "true")

	s := &Server{
		Ledger:       led,
		LedgerHealth: ledHealth,
		Breakers:     breakers,
		Pipeline: &pipeline.Pipeline{
			Client:   client,
			Gate:     g,
			Evidence: &evidence.Builder{Ledger: led, Metrics: reg},
			Metrics:  reg,
			Events:   events,
		},
		Metrics:             reg,
		Events:              events,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		exporter, err := stream.NewKafkaExporter(stream.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_AUDIT_TOPIC", "aegis.ledger"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer exporter.Close()
		go exporter.Run(ctx, events.Subscribe(256))
	}

	go s.breakerWatchLoop(ctx, time.Second*time.Duration(envInt("BREAKER_WATCH_INTERVAL_SEC", 5)))

	addr := env("ADDR", ":8086")
	log.Printf("aegisd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: time.Second * time.Duration(envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5)),
		ReadTimeout:       time.Second * time.Duration(envInt("HTTP_READ_TIMEOUT_SEC", 15)),
		WriteTimeout:      time.Second * time.Duration(envInt("HTTP_WRITE_TIMEOUT_SEC", 30)),
		IdleTimeout:       time.Second * time.Duration(envInt("HTTP_IDLE_TIMEOUT_SEC", 120)),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("aegisd"))
	r.Use(s.limitRequestBody)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "aegisd"})
	})
	r.Get("/readyz", s.handleReady)

	api := chi.NewRouter()
	api.Use(auth.Middleware(env("AUTH_MODE", "off"), env("API_AUTH_TOKEN", "")))
	if s.RateLimiter != nil {
		api.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute))
	}
	api.Get("/v1/metrics", s.handleMetrics)
	api.Get("/v1/ledger/recent", s.handleLedgerRecent)
	api.Post("/v1/advise", s.handleAdvise)
	api.Get("/v1/stream", s.streamEvents)
	r.Mount("/", api)
	return r
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// handleReady reports degraded when the ledger cannot accept writes or any
// circuit is open. An unwritable ledger means no call can be admitted at all.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status   string             `json:"status"`
		Ledger   string             `json:"ledger"`
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	out := readiness{Status: "ready", Ledger: "ok", Breakers: s.Breakers.Snapshots()}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.LedgerHealth.Healthy(ctx); err != nil {
		out.Status = "degraded"
		out.Ledger = "unavailable"
	}
	for _, snap := range out.Breakers {
		if snap.State == breaker.StateOpen {
			out.Status = "degraded"
		}
	}
	status := http.StatusOK
	if out.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":  s.Metrics.Snapshot(),
		"breakers": s.Breakers.Snapshots(),
	})
}

func (s *Server) handleLedgerRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			httpx.Error(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	records, err := s.Ledger.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type adviseRequest struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id"`
	FindingID string `json:"finding_id"`
	EntityID  string `json:"entity_id"`
	Reasoning string `json:"reasoning"`
}

func (s *Server) handleAdvise(w http.ResponseWriter, r *http.Request) {
	var req adviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Reasoning) == "" {
		httpx.Error(w, http.StatusBadRequest, "reasoning required")
		return
	}

	adv, err := s.Pipeline.Advise(r.Context(), pipeline.Request{
		RequestID: req.RequestID,
		EventID:   req.EventID,
		FindingID: req.FindingID,
		EntityID:  req.EntityID,
		Reasoning: req.Reasoning,
	})
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrLedgerWrite):
			httpx.Error(w, http.StatusInternalServerError, "audit ledger unavailable")
		case errors.Is(err, platform.ErrUnavailable):
			httpx.Error(w, http.StatusServiceUnavailable, "risk platform unavailable")
		default:
			httpx.Error(w, http.StatusBadGateway, "risk platform error")
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, adv)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.EventReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// breakerWatchLoop publishes breaker state changes as events and metrics.
func (s *Server) breakerWatchLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	last := map[string]breaker.State{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range s.Breakers.Snapshots() {
				prev, seen := last[snap.Name]
				if seen && prev == snap.State {
					continue
				}
				last[snap.Name] = snap.State
				if !seen && snap.State == breaker.StateClosed {
					continue
				}
				s.Metrics.IncBreakerTransition(snap.Name, string(snap.State))
				s.Events.Publish(stream.BreakerChanged(stream.BreakerChangedPayload{
					Dependency:          snap.Name,
					State:               string(snap.State),
					ConsecutiveFailures: snap.ConsecutiveFailures,
				}))
				log.Printf("breaker %s -> %s", snap.Name, snap.State)
			}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
