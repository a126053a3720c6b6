package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/speakle/rewards/pkg/points"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Run boots the HTTP API using the supplied configuration and blocks until ctx ends.
func Run(ctx context.Context, cfg Config, engine *points.Engine, attendance *points.AttendanceService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	router, err := NewRouter(cfg, engine, attendance, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine serving the points and attendance routes.
func NewRouter(cfg Config, engine *points.Engine, attendance *points.AttendanceService, logger *zap.Logger) (*gin.Engine, error) {
	if engine == nil || attendance == nil {
		return nil, fmt.Errorf("http api: engine and attendance service are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:     logger,
		engine:     engine,
		attendance: attendance,
	}
	var limiters *userLimiters
	if cfg.RateLimitPerMinute > 0 {
		limiters = newUserLimiters(cfg.RateLimitPerMinute)
	}
	return setupRouter(cfg, handler, validator, limiters), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, limiters *userLimiters) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(handler.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	if limiters != nil {
		api.Use(rateLimit(limiters))
	}

	api.POST("/attendance/check-in", handler.handleCheckIn)
	api.GET("/attendance/stats", handler.handleStats)
	api.GET("/attendance/history", handler.handleHistory)
	api.GET("/points", handler.handleAccount)
	api.GET("/points/ledger", handler.handleLedger)
	api.POST("/points/rewards", handler.handleReward)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(claimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

func errorResponse(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
