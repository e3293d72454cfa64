package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/auth"
	"presence/internal/authenticator"
	"presence/internal/checkin"
	"presence/internal/code"
	"presence/internal/config"
	"presence/internal/device"
	"presence/internal/fanout"
	"presence/internal/geo"
	"presence/internal/httpmiddleware"
	"presence/internal/nonce"
	"presence/internal/session"
	"presence/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var db *store.DB
	var sessions session.Store
	var attempts checkin.AttemptStore
	var deviceStore device.Store

	switch cfg.StoreBackend {
	case "postgres":
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		sessions = session.NewPostgresStore(db.Client)
		attempts = checkin.NewPostgresAttemptStore(db.Client)
		deviceStore = device.NewPostgresStore(db.Client)
	default:
		sessions = session.NewMemoryStore()
		attempts = checkin.NewMemoryAttemptStore()
		deviceStore = device.NewMemoryStore()
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var broker fanout.Broker
	if cfg.FanoutBackend == "redis" {
		broker = fanout.NewRedisBroker(redisClient.Client, "presence:events")
	} else {
		broker = fanout.NewHub(32)
	}

	verifier := authenticator.New(cfg.AuthenticatorURL, cfg.AuthSkip)
	registry := device.NewRegistry(deviceStore, verifier)
	rotator := code.New(cfg.CodeWindow, cfg.CodeGraceWindows)
	ledger := nonce.NewLedger(cfg.NonceTTL)
	sessionSvc := session.NewService(sessions, broker)
	evaluator := checkin.NewEvaluator(sessions, ledger, rotator, registry, attempts, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweepLoop(ctx, sessionSvc, ledger, cfg)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := cfg.FanoutBackend != "redis" || redisClient.Healthy(c.Request.Context())
		dbHealthy := cfg.StoreBackend != "postgres" || db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev token issuance. Real deployments sit behind the campus SSO
	// and mint these tokens there; this core only checks them.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": token.Value,
			"expires_at":   token.ExpiresAt.Unix(),
		})
	})

	teacher := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))
	student := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	teacher.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID          string  `json:"course_id" binding:"required"`
			Lat               float64 `json:"lat"`
			Lng               float64 `json:"lng"`
			MaxDistanceMeters float64 `json:"max_distance_m" binding:"required"`
			DurationSeconds   int     `json:"duration_s" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		expiresAt := time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
		sess, err := sessionSvc.Create(c.Request.Context(), req.CourseID, auth.Subject(c),
			geo.Coordinate{Lat: req.Lat, Lng: req.Lng}, req.MaxDistanceMeters, expiresAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"session_id": sess.ID,
			"course_id":  sess.CourseID,
			"expires_at": sess.ExpiresAt,
		})
	})

	teacher.POST("/sessions/:id/close", func(c *gin.Context) {
		err := sessionSvc.Close(c.Request.Context(), c.Param("id"), auth.Subject(c))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "closed"})
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		case errors.Is(err, session.ErrNotCreator):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_session_creator"})
		case errors.Is(err, session.ErrNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "session_not_active"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	// Code display feed: teachers poll this and project the code.
	teacher.GET("/sessions/:id/code", func(c *gin.Context) {
		sess, err := sessionSvc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		current, remaining, err := rotator.Current(sess, time.Now())
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "session_not_active"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code":              current,
			"seconds_remaining": int(remaining.Seconds()),
		})
	})

	teacher.GET("/sessions/:id/attempts", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		list, err := evaluator.ListAttempts(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attemptViews(list)})
	})

	student.POST("/devices/register", bindDevice(registry))
	student.POST("/devices/reset", bindDevice(registry))

	student.POST("/sessions/:id/checkins/begin", func(c *gin.Context) {
		sess, err := sessionSvc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		n, err := ledger.Issue(sess, auth.Subject(c))
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "session_not_active"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"nonce":      n.ID,
			"expires_at": n.ExpiresAt,
		})
	})

	student.POST("/sessions/:id/checkins", func(c *gin.Context) {
		var req struct {
			Nonce     string  `json:"nonce" binding:"required"`
			Code      string  `json:"code" binding:"required"`
			Lat       float64 `json:"lat"`
			Lng       float64 `json:"lng"`
			DeviceRef string  `json:"device_credential_reference" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := evaluator.Evaluate(c.Request.Context(), checkin.Request{
			SessionID: c.Param("id"),
			StudentID: auth.Subject(c),
			Code:      req.Code,
			NonceID:   req.Nonce,
			Location:  geo.Coordinate{Lat: req.Lat, Lng: req.Lng},
			DeviceRef: req.DeviceRef,
		})
		if err != nil {
			status, errCode := protocolError(err)
			c.JSON(status, gin.H{"error": errCode})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":                 string(result.Status),
			"distance_from_anchor_m": result.DistanceMeters,
			"within_range":           result.WithinRange,
			"checked_in_at":          result.CheckedInAt,
		})
	})

	// Subscription feed: any authenticated principal may watch a
	// course topic. Events are invalidation hints, not state.
	r.GET("/v1/courses/:id/feed", func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		if _, err := auth.Parse(token, cfg.JWTSigningKey, cfg.JWTIssuer); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		fanout.ServeWS(c.Writer, c.Request, broker, c.Param("id"))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// bindDevice serves both first registration and device reset; the
// registry's replace is atomic either way.
func bindDevice(registry *device.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Proof string `json:"proof" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cred, err := registry.Bind(c.Request.Context(), auth.Subject(c), req.Proof)
		if err != nil {
			if errors.Is(err, device.ErrProofRejected) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "proof_rejected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"device_credential_reference": cred.Reference,
			"bound_at":                    cred.BoundAt,
		})
	}
}

// protocolError maps protocol-layer failures to HTTP codes distinct
// from the business outcomes, so a stale code is never read as a
// distance problem.
func protocolError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, nonce.ErrNotFound):
		return http.StatusUnauthorized, "nonce_not_found"
	case errors.Is(err, nonce.ErrAlreadyUsed):
		return http.StatusConflict, "nonce_already_used"
	case errors.Is(err, nonce.ErrExpired):
		return http.StatusUnauthorized, "nonce_expired"
	case errors.Is(err, nonce.ErrSessionMismatch):
		return http.StatusUnauthorized, "nonce_session_mismatch"
	case errors.Is(err, nonce.ErrRequesterMismatch):
		return http.StatusUnauthorized, "nonce_requester_mismatch"
	case errors.Is(err, checkin.ErrStaleCode):
		return http.StatusUnprocessableEntity, "stale_or_invalid_code"
	case errors.Is(err, device.ErrMismatch):
		return http.StatusForbidden, "device_mismatch"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type attemptView struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	DistanceMeters float64   `json:"distance_m"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func attemptViews(list []checkin.Attempt) []attemptView {
	views := make([]attemptView, 0, len(list))
	for _, att := range list {
		views = append(views, attemptView{
			ID:             att.ID,
			StudentID:      att.StudentID,
			DistanceMeters: att.DistanceMeters,
			Status:         string(att.Status),
			CreatedAt:      att.CreatedAt,
		})
	}
	return views
}

// sweepLoop runs the proactive expiry sweep and nonce purge until ctx
// is cancelled. Lazy expiry keeps correctness either way; the sweep is
// for dashboard notifications and memory hygiene.
func sweepLoop(ctx context.Context, svc *session.Service, ledger *nonce.Ledger, cfg config.App) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := svc.SweepExpired(ctx); err != nil {
				log.Printf("expiry sweep failed: %v", err)
			}
			ledger.Purge(2 * cfg.CodeWindow)
		case <-ctx.Done():
			return
		}
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
