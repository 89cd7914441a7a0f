// Package ratelimit implements rate limiting for the collaboration core.
//
// Two layers exist here, intentionally kept apart: this file is the
// HTTP/connection-level distributed limiter (backed by Redis or an
// in-memory fallback via ulule/limiter) that gates the WebSocket upgrade
// endpoint and the REST surface (room creation, share-link resolution).
// The per-message token bucket that governs traffic after a socket is
// already open lives in bucket.go and needs no shared store — it is
// connection-local.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/schemacollab/liveshare-core/internal/v1/auth"
	"github.com/schemacollab/liveshare-core/internal/v1/config"
	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// TokenValidator is the subset of auth.Validator this package depends on.
// Middlewares decode the bearer token themselves rather than trust a
// "claims" key some earlier middleware may or may not have set — the
// rate limiter has to work standing alone, in front of auth.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// RateLimiter holds the distributed HTTP/connect-time limiters.
type RateLimiter struct {
	apiGlobal    *limiter.Limiter
	apiPublic    *limiter.Limiter
	apiRooms     *limiter.Limiter
	apiShareLink *limiter.Limiter
	wsIP         *limiter.Limiter
	wsUser       *limiter.Limiter
	store        limiter.Store
	redisClient  *redis.Client
	validator    TokenValidator
}

// NewRateLimiter builds the limiter set from the formatted rates in Config.
// When redisClient is nil the limiter falls back to an in-memory store,
// appropriate for single-instance/dev mode.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client, validator TokenValidator) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	apiShareLinkRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIShareLink)
	if err != nil {
		return nil, fmt.Errorf("invalid API share-link rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "liveshare:limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		apiGlobal:    limiter.New(store, apiGlobalRate),
		apiPublic:    limiter.New(store, apiPublicRate),
		apiRooms:     limiter.New(store, apiRoomsRate),
		apiShareLink: limiter.New(store, apiShareLinkRate),
		wsIP:         limiter.New(store, wsIPRate),
		wsUser:       limiter.New(store, wsUserRate),
		store:        store,
		redisClient:  redisClient,
		validator:    validator,
	}, nil
}

// bearerSubject decodes the Authorization header via the injected
// validator. It never trusts a context value set by another middleware:
// this limiter has to work standing in front of auth, where nothing has
// verified the token yet.
func (rl *RateLimiter) bearerSubject(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") || rl.validator == nil {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	claims, err := rl.validator.ValidateToken(token)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

// GlobalMiddleware enforces the baseline per-user (if authenticated) or
// per-IP rate limit across the whole API surface.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key, limitType string

		if subject, ok := rl.bearerSubject(c); ok {
			key = subject
			limiterInstance = rl.apiGlobal
			limitType = "user"
		} else {
			key = c.ClientIP()
			limiterInstance = rl.apiPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		result, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next() // fail open: availability over strictness on store outage
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(result.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": result.Reset})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint enforces a stricter limit for a named endpoint
// class ("rooms" for room creation, "share_link" for share-link minting).
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		case "share_link":
			limiterInstance = rl.apiShareLink
		default:
			limiterInstance = rl.apiGlobal
		}

		var key string
		if subject, ok := rl.bearerSubject(c); ok {
			key = subject
		} else {
			key = c.ClientIP()
		}

		ctx := c.Request.Context()
		result, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(result.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": result.Reset})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP connect limit on the upgrade request,
// before authentication, writing an error response when exceeded.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipResult, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true // fail open
	}

	if ipResult.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipResult.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser enforces the per-user connect limit. Call after
// authentication succeeds, before the room is joined.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	result, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil // fail open
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}
	return nil
}

// StandardMiddleware exposes the stock ulule/limiter gin middleware for
// callers that don't need the custom user-vs-ip branching above.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
