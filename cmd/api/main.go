package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campushq/attendance-api/api/swagger"
	"github.com/campushq/attendance-api/internal/handler"
	"github.com/campushq/attendance-api/internal/middleware"
	"github.com/campushq/attendance-api/internal/models"
	"github.com/campushq/attendance-api/internal/repository"
	"github.com/campushq/attendance-api/internal/service"
	"github.com/campushq/attendance-api/pkg/cache"
	"github.com/campushq/attendance-api/pkg/config"
	"github.com/campushq/attendance-api/pkg/database"
	"github.com/campushq/attendance-api/pkg/jobs"
	"github.com/campushq/attendance-api/pkg/logger"
	corsmiddleware "github.com/campushq/attendance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campushq/attendance-api/pkg/middleware/requestid"
)

// @title CampusHQ Attendance API
// @version 1.0.0
// @description QR-based attendance tracking for campus course sections
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, summary caching disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	sessionRepo := repository.NewSessionRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	userRepo := repository.NewUserRepository(db)

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Attendance.SummaryCacheTTL, logr, true)
	} else {
		cacheSvc = service.NewCacheService(nil, metricsSvc, cfg.Attendance.SummaryCacheTTL, logr, false)
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "attendance-api",
	})
	tokenSvc := service.NewQRTokenService(cfg.Attendance.QRBaseURL, cfg.Attendance.TokenValidity, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, validate, logr, cfg.Attendance.Diagnostics)
	summarySvc := service.NewSummaryService(sessionRepo, attendanceRepo, enrollmentSvc, cacheSvc, cfg.Attendance.SummaryCacheTTL, logr)
	sessionSvc := service.NewSessionService(sessionRepo, tokenSvc, summarySvc, validate, logr)
	attendanceSvc := service.NewAttendanceService(attendanceRepo, sessionRepo, enrollmentSvc, tokenSvc, metricsSvc, validate, logr, cfg.Attendance.GracePeriod)
	exportSvc := service.NewExportService(attendanceSvc, sessionSvc, logr, cfg.Export.Enabled)

	authHandler := handler.NewAuthHandler(authSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc, summarySvc, exportSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc, tokenSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleLecturer)

	sessions := api.Group("/sessions", middleware.JWT(authSvc))
	{
		sessions.GET("", sessionHandler.List)
		sessions.POST("", staff, sessionHandler.Create)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.DELETE("/:id", staff, sessionHandler.Delete)
		sessions.POST("/:id/start", staff, sessionHandler.Start)
		sessions.POST("/:id/lock", staff, sessionHandler.Lock)
		sessions.POST("/:id/unlock", staff, sessionHandler.Unlock)
		sessions.POST("/:id/extend", staff, sessionHandler.Extend)
		sessions.POST("/:id/close", staff, sessionHandler.Close)
		sessions.GET("/:id/qr", staff, sessionHandler.QRCode)
		sessions.GET("/:id/summary", sessionHandler.Summary)
		sessions.GET("/:id/export", staff, sessionHandler.Export)
		sessions.GET("/:id/attendance", staff, attendanceHandler.Roster)
		sessions.PUT("/:id/attendance/status", staff, attendanceHandler.BulkStatus)
		sessions.POST("/:id/attendance/manual", staff, attendanceHandler.MarkManual)
	}

	attendance := api.Group("/attendance", middleware.JWT(authSvc))
	{
		attendance.POST("/check-in", middleware.RequireRoles(models.RoleStudent), attendanceHandler.CheckIn)
	}

	enrollments := api.Group("", middleware.JWT(authSvc))
	{
		enrollments.GET("/sections/:id/enrollments", staff, enrollmentHandler.ListBySection)
		enrollments.POST("/enrollments", staff, enrollmentHandler.Enroll)
		enrollments.DELETE("/enrollments/:id", staff, enrollmentHandler.Unenroll)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Attendance.AutoClose {
		sweeper := jobs.NewQueue("session-autoclose", func(ctx context.Context, job jobs.Job) error {
			closed, err := sessionSvc.CloseExpired(ctx)
			if err != nil {
				return err
			}
			if closed > 0 {
				logr.Sugar().Infow("auto-closed expired sessions", "count", closed)
			}
			return nil
		}, jobs.QueueConfig{Workers: 1, Logger: logr})
		sweeper.Start(ctx)
		defer sweeper.Stop()

		go func() {
			ticker := time.NewTicker(cfg.Attendance.AutoCloseInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := sweeper.Enqueue(jobs.Job{Type: "close-expired"}); err != nil {
						logr.Sugar().Warnw("failed to enqueue auto-close sweep", "error", err)
					}
				}
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
