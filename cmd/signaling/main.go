package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/auth"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/config"
	"github.com/nexusmeet/signaling-controller/internal/health"
	"github.com/nexusmeet/signaling-controller/internal/logging"
	"github.com/nexusmeet/signaling-controller/internal/middleware"
	"github.com/nexusmeet/signaling-controller/internal/ratelimit"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/httpapi"
	"github.com/nexusmeet/signaling-controller/internal/signaling/mediaengine"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/automod"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/breakout"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/control"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/legalvote"
	"github.com/nexusmeet/signaling-controller/internal/ticket"
	"github.com/nexusmeet/signaling-controller/internal/tracing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic("invalid configuration: " + err.Error())
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic("failed to initialize logging: " + err.Error())
	}
	log := logging.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEnabled := false
	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling-controller", addr)
		if err != nil {
			log.Warn("tracing disabled: failed to init tracer", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
			tracingEnabled = true
		}
	}

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("failed to connect to redis bus", zap.Error(err))
	}
	defer busService.Close()

	store := roomstore.NewStore(
		busService.Client(),
		roomstore.WithLockTTL(time.Duration(cfg.RoomLockTTLMs)*time.Millisecond),
		roomstore.WithMaxRetries(cfg.RoomLockMaxRetries),
	)

	tickets := ticket.NewRegistry(
		busService.Client(),
		ticket.WithTicketTTL(time.Duration(cfg.TicketTTLSeconds)*time.Second),
		ticket.WithResumptionTTL(time.Duration(cfg.ResumptionTTLSeconds)*time.Second),
	)

	registry := module.NewRegistry()
	registry.MustRegister(control.Namespace, control.NewFactory())
	registry.MustRegister(breakout.Namespace, breakout.NewFactory())
	registry.MustRegister(automod.Namespace, automod.NewFactory())
	registry.MustRegister(legalvote.Namespace, legalvote.NewFactory())

	var validator httpapi.TokenValidator
	if cfg.SkipAuth {
		log.Warn("authentication disabled: SKIP_AUTH=true, do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			log.Fatal("failed to initialize auth validator", zap.Error(err))
		}
		validator = v
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(busService)

	mediaEngineClient, err := mediaengine.New(cfg.MediaEngineAddr)
	if err != nil {
		log.Warn("media engine client unavailable, sessions will not be opened in the SFU", zap.Error(err))
		mediaEngineClient = nil
	} else {
		defer mediaEngineClient.Close()
	}

	apiServer := &httpapi.Server{
		Store:          store,
		Bus:            busService,
		Tickets:        tickets,
		Modules:        registry,
		MediaEngine:    mediaEngineClient,
		Rooms:          httpapi.DefaultRoomDirectory{Store: store},
		Users:          validator,
		RateLimit:      rateLimiter,
		Log:            log,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("signaling-controller"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = apiServer.AllowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(rateLimiter.GlobalMiddleware())

	apiServer.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("signaling controller listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server exited unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
