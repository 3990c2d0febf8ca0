package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nirnoy/realtime-service/internal/broker"
	"nirnoy/realtime-service/internal/cache"
	"nirnoy/realtime-service/internal/changefeed"
	"nirnoy/realtime-service/internal/config"
	"nirnoy/realtime-service/internal/httpapi"
	"nirnoy/realtime-service/internal/hub"
	"nirnoy/realtime-service/internal/notify"
	"nirnoy/realtime-service/internal/store/postgres"
	"nirnoy/realtime-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	shutdownTelemetry := telemetry.Setup("realtime-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	queueStore := postgres.NewStore(pool, postgres.Options{Channel: cfg.ChangefeedChannel})
	chamberCache := cache.New(cfg.ChamberCacheTTL, cfg.ChamberCacheTTL)
	defer chamberCache.Stop()

	h := hub.New(cfg.ClientBuffer)
	bridge := changefeed.New(queueStore, changefeed.Config{
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		MaxAttempts: cfg.ReconnectAttempts,
	})

	dispatcher := notify.NewDispatcher(bridge, h, queueStore, notify.Config{
		ReminderInterval: cfg.ReminderInterval,
		ReminderLead:     cfg.ReminderLead,
		ReminderBatch:    cfg.ReminderBatch,
	})
	h.SetRoomHooks(dispatcher.RoomHooks())

	b := broker.New(queueStore, h, chamberCache, broker.Config{
		TurnSoonThreshold:     cfg.TurnSoonThreshold,
		AverageConsultMinutes: cfg.AvgConsultMinutes,
	})

	changefeedStatus := expvar.NewString("changefeed_status")
	bridge.OnStatus(func(status changefeed.Status) {
		changefeedStatus.Set(status.String())
		if status == changefeed.StatusDisconnected {
			log.Printf("changefeed bridge disconnected, serving without live updates")
		}
	})

	authenticator := httpapi.NewAuthenticator(cfg.JWTSecret)
	wsServer := broker.NewServer(b, h, authenticator.Principal)
	handler := httpapi.NewHandler(queueStore, b)
	handler.SetChangefeedStatus(func() string { return bridge.Status().String() })
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitIPPerMinute,
		IPBurst:       cfg.RateLimitIPBurst,
		UserPerMinute: cfg.RateLimitUserPerMinute,
		UserBurst:     cfg.RateLimitUserBurst,
	})

	api := authenticator.Middleware(limiter.Middleware(handler.Routes()))
	apiHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(api), "realtime-service")

	// The websocket endpoint stays outside the logging middleware so the
	// connection can be hijacked.
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/realtime", wsServer.HandleWS)
	mux.Handle("/", apiHandler)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long lived
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The service keeps serving snapshots and live sessions even when the
	// bridge exhausts its retries; clients fall back to refetching.
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("changefeed bridge stopped: %v", err)
		}
	}()
	go dispatcher.Run(ctx)

	go func() {
		log.Printf("realtime-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
