package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/schemacollab/liveshare-core/internal/v1/auth"
	"github.com/schemacollab/liveshare-core/internal/v1/authz"
	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/config"
	"github.com/schemacollab/liveshare-core/internal/v1/health"
	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/middleware"
	"github.com/schemacollab/liveshare-core/internal/v1/ratelimit"
	"github.com/schemacollab/liveshare-core/internal/v1/registry"
	"github.com/schemacollab/liveshare-core/internal/v1/session"
	"github.com/schemacollab/liveshare-core/internal/v1/snapshot"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/tracing"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("no .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	log := logging.GetLogger()
	defer log.Sync()

	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "liveshare-core", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisClient *redis.Client
	var store storage.Port
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           0,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logging.Error(ctx, "failed to connect to redis, falling back to in-memory storage")
			redisClient = nil
			store = storage.NewMemoryPort()
		} else {
			store = storage.NewRedisPort(redisClient)
		}
	} else {
		store = storage.NewMemoryPort()
	}

	var validator session.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled for development, do not use in production")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH is false")
			os.Exit(1)
		}
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("failed to initialize auth validator", "error", err)
			os.Exit(1)
		}
		validator = v
	}

	var oracle registry.AuthorizationOracle
	if cfg.SkipAuth || cfg.DevelopmentMode {
		oracle = authz.AllowAllOracle{}
	} else {
		oracle = authz.NewHTTPOracle(os.Getenv("DIAGRAM_SERVICE_URL"), nil)
	}

	reg := registry.New(registry.Deps{
		Clock:            clock.Real,
		FullSyncInterval: cfg.FullSyncInterval,
		Snapshot: snapshot.Config{
			Keep:     cfg.SnapshotsToKeep,
			Interval: cfg.SnapshotInterval,
			MaxSize:  int(cfg.MaxSnapshotSize),
		},
		MaxUsersPerRoom: cfg.MaxUsersPerRoom,
	}, store, oracle)

	sessionCfg := session.Config{
		AuthTimeout:          cfg.AuthTimeout,
		IdleThreshold:        cfg.IdleThreshold,
		AwayThreshold:        cfg.AwayThreshold,
		CursorThrottle:       cfg.CursorThrottle,
		SchemaThrottle:       cfg.SchemaThrottle,
		AwarenessBatchWindow: cfg.AwarenessBatchWindow,
	}

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient, validator)
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	if os.Getenv("OTEL_COLLECTOR_ADDR") != "" {
		router.Use(otelgin.Middleware("liveshare-core"))
	}

	router.Use(rl.GlobalMiddleware())

	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	liveshareGroup := router.Group("/api/liveshare")
	{
		liveshareGroup.GET("/ws", func(c *gin.Context) {
			if !rl.CheckWebSocket(c) {
				return
			}
			serveWS(c, reg, validator, sessionCfg)
		})

		rooms := liveshareGroup.Group("/rooms")
		rooms.Use(rl.MiddlewareForEndpoint("rooms"))
		rooms.POST("", func(c *gin.Context) { createRoom(c, reg, validator) })
		rooms.POST("/:roomId/end", func(c *gin.Context) { endRoom(c, reg, validator) })

		liveshareGroup.GET("/share-link/:diagramId", rl.MiddlewareForEndpoint("share_link"), func(c *gin.Context) {
			resolveShareLink(c, reg)
		})
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "liveshare-core server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown")
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logging.Info(ctx, "server exiting")
}

func serveWS(c *gin.Context, reg *registry.Registry, validator session.TokenValidator, cfg session.Config) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed")
		return
	}
	s := session.New(conn, reg, validator, clock.Real, cfg)
	go s.Serve()
}

func bearerClaims(c *gin.Context, validator session.TokenValidator) (*auth.CustomClaims, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return nil, false
	}
	claims, err := validator.ValidateToken(header[len(prefix):])
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}
	return claims, true
}

type createRoomRequest struct {
	DiagramID string `json:"diagram_id" binding:"required"`
	MaxUsers  int    `json:"max_users"`
}

func createRoom(c *gin.Context, reg *registry.Registry, validator session.TokenValidator) {
	claims, ok := bearerClaims(c, validator)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ownerID, err := types.ParseUserId(claims.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subject"})
		return
	}
	diagramID, err := types.ParseDiagramId(req.DiagramID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid diagram_id"})
		return
	}
	r, err := reg.CreateRoom(c.Request.Context(), ownerID, diagramID, req.MaxUsers)
	if err != nil {
		if err == registry.ErrPermissionDenied {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"room_id":    r.ID.String(),
		"diagram_id": r.DiagramID.String(),
		"owner_id":   r.OwnerID.String(),
	})
}

func endRoom(c *gin.Context, reg *registry.Registry, validator session.TokenValidator) {
	claims, ok := bearerClaims(c, validator)
	if !ok {
		return
	}
	roomID, err := types.ParseRoomId(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	r, found := reg.GetRoom(roomID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if r.OwnerID.String() != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the owner may end this room"})
		return
	}
	if err := reg.EndRoom(c.Request.Context(), roomID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// resolveShareLink answers "which room, if any, is currently active for
// this diagram?" so the editor's /editor/{diagram_id}?room={room_id}
// link (spec.md §6) can be minted without the client ever guessing a
// room id itself.
func resolveShareLink(c *gin.Context, reg *registry.Registry) {
	diagramID, err := types.ParseDiagramId(c.Param("diagramId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid diagram id"})
		return
	}
	r, ok := reg.GetRoomByDiagram(diagramID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session for this diagram"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": r.ID.String(), "diagram_id": diagramID.String()})
}
