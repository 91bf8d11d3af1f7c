package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alshifa-dental/scheduling/libs/config"
	"github.com/alshifa-dental/scheduling/libs/httpx"
)

// withMiddleware wraps h in the request pipeline, outermost first. Rate limiting uses Redis when
// a client is configured so the limit holds across replicas.
func withMiddleware(h http.Handler, logger *slog.Logger, rdb *redis.Client) http.Handler {
	var limiter httpx.Limiter
	if limit := config.Int("RATE_LIMIT_PER_MINUTE", 0); limit > 0 {
		if rdb != nil {
			limiter = httpx.NewRedisLimiter(rdb, limit, time.Minute, config.String("RATE_LIMIT_PREFIX", "scheduling:rl"))
			logger.Info("rate limiting enabled", "backend", "redis", "per_minute", limit)
		} else {
			limiter = httpx.NewMemoryLimiter(limit, time.Minute)
			logger.Info("rate limiting enabled", "backend", "memory", "per_minute", limit)
		}
	}

	return httpx.Chain(h,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods: config.List("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS"),
			AllowedHeaders: config.List("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id,Idempotency-Key"),
			MaxAge:         10 * time.Minute,
		}),
		httpx.RateLimit(limiter, httpx.ClientIP, logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 10*time.Second)),
	)
}
