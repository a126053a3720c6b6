package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	limiterIdleTTL  = 5 * time.Minute
)

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(requestIDHeader, requestID)
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

type userLimiter struct {
	limiter *rate.Limiter
	expires time.Time
}

// userLimiters hands out one token bucket per user and forgets idle ones.
type userLimiters struct {
	mutex    sync.Mutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newUserLimiters(perMinute int) *userLimiters {
	return &userLimiters{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:    max(perMinute/2, 1),
		now:      time.Now,
	}
}

func (limiters *userLimiters) allow(key string) bool {
	limiters.mutex.Lock()
	defer limiters.mutex.Unlock()
	now := limiters.now()
	for candidate, entry := range limiters.limiters {
		if now.After(entry.expires) {
			delete(limiters.limiters, candidate)
		}
	}
	entry, ok := limiters.limiters[key]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(limiters.limit, limiters.burst)}
		limiters.limiters[key] = entry
	}
	entry.expires = now.Add(limiterIdleTTL)
	return entry.limiter.AllowN(now, 1)
}

func rateLimit(limiters *userLimiters) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.Next()
			return
		}
		if !limiters.allow(claims.GetUserID()) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
