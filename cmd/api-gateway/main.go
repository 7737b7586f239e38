package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/certsouq/certsouq-api/api/swagger"
	"github.com/certsouq/certsouq-api/internal/handler"
	"github.com/certsouq/certsouq-api/internal/middleware"
	"github.com/certsouq/certsouq-api/internal/models"
	"github.com/certsouq/certsouq-api/internal/repository"
	"github.com/certsouq/certsouq-api/internal/service"
	"github.com/certsouq/certsouq-api/pkg/cache"
	"github.com/certsouq/certsouq-api/pkg/config"
	"github.com/certsouq/certsouq-api/pkg/database"
	"github.com/certsouq/certsouq-api/pkg/jobs"
	"github.com/certsouq/certsouq-api/pkg/logger"
	"github.com/certsouq/certsouq-api/pkg/mailer"
	corsmiddleware "github.com/certsouq/certsouq-api/pkg/middleware/cors"
	reqidmiddleware "github.com/certsouq/certsouq-api/pkg/middleware/requestid"
	"github.com/certsouq/certsouq-api/pkg/storage"
)

// @title CertSouq API
// @version 1.0.0
// @description CompTIA exam voucher storefront and fulfillment API for Saudi Arabia
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	cacheEnabled := err == nil
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, catalog cache disabled", "error", err)
	} else {
		defer redisClient.Close()
	}

	invoiceStore, err := storage.NewLocalStorage(cfg.Invoices.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init invoice storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Invoices.SignedURLSecret, cfg.Invoices.SignedURLTTL)

	var sender mailer.Sender
	if cfg.Mail.SendGridAPIKey != "" {
		sender, err = mailer.NewSendGridSender(cfg.Mail)
		if err != nil {
			logr.Sugar().Fatalw("failed to init mailer", "error", err)
		}
	} else {
		logr.Warn("SENDGRID_API_KEY not set, emails will only be logged")
		sender = mailer.NewLogSender(logr)
	}

	// repositories
	userRepo := repository.NewUserRepository(db)
	certificateRepo := repository.NewCertificateRepository(db)
	voucherRepo := repository.NewVoucherRepository(db)
	batchRepo := repository.NewVoucherBatchRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	recipientRepo := repository.NewVoucherRecipientRepository(db)

	// services
	metricsService := service.NewMetricsService()
	var cacheService *service.CacheService
	if cacheEnabled {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheService = service.NewCacheService(cacheRepo, metricsService, cfg.Catalog.CacheTTL, logr, true)
	}

	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "certsouq-api",
		Audience:           []string{"certsouq"},
	})
	catalogService := service.NewCatalogService(certificateRepo, voucherRepo, cacheService, cfg.Catalog.CacheTTL, nil, logr)
	inventoryService := service.NewInventoryService(voucherRepo, batchRepo, certificateRepo, nil, logr)
	institutionRepo := repository.NewInstitutionRepository(db)
	institutionService := service.NewInstitutionService(institutionRepo, userRepo, sender, nil, logr)
	orderService := service.NewOrderService(orderRepo, certificateRepo, institutionRepo, invoiceStore, cfg.Fulfillment.MaxRecipientsPerOrder, nil, logr)
	fulfillmentService := service.NewFulfillmentService(orderRepo, voucherRepo, batchRepo, recipientRepo, sender, metricsService, logr)
	dispatcher := service.NewDeliveryDispatcher(fulfillmentService, jobs.QueueConfig{
		Workers:    cfg.Fulfillment.BulkWorkerConcurrency,
		MaxRetries: cfg.Fulfillment.BulkWorkerRetries,
		Logger:     logr,
	}, logr)

	// handlers
	authHandler := handler.NewAuthHandler(authService)
	catalogHandler := handler.NewCatalogHandler(catalogService)
	inventoryHandler := handler.NewInventoryHandler(inventoryService)
	orderHandler := handler.NewOrderHandler(orderService, invoiceStore, signer)
	fulfillmentHandler := handler.NewFulfillmentHandler(fulfillmentService, dispatcher)
	institutionHandler := handler.NewInstitutionHandler(institutionService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	// public storefront
	api.GET("/catalog", catalogHandler.Storefront)
	api.GET("/catalog/:id", catalogHandler.Get)
	api.POST("/institutions/register", institutionHandler.Register)
	api.GET("/files/:token", orderHandler.DownloadFile)

	// authentication
	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
	auth.PUT("/password", middleware.JWT(authService), authHandler.ChangePassword)
	auth.GET("/me", middleware.JWT(authService), authHandler.Me)

	// authenticated buyers and admins
	orders := api.Group("/orders", middleware.JWT(authService))
	orders.POST("", orderHandler.Create)
	orders.POST("/roster", orderHandler.CreateWithRoster)

	// back office
	admin := api.Group("/admin", middleware.JWT(authService))

	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	anyRole := middleware.RequireRoles(models.RoleAdmin, models.RoleInstitution)

	admin.GET("/certificates", adminOnly, catalogHandler.List)
	admin.POST("/certificates", adminOnly, catalogHandler.Create)
	admin.PUT("/certificates/:id", adminOnly, catalogHandler.Update)
	admin.DELETE("/certificates/:id", adminOnly, catalogHandler.Deactivate)

	admin.GET("/vouchers", adminOnly, inventoryHandler.List)
	admin.GET("/vouchers/export", adminOnly, inventoryHandler.Export)
	admin.GET("/vouchers/:id", adminOnly, inventoryHandler.Get)
	admin.POST("/vouchers/import", adminOnly,
		middleware.Audit(userRepo, models.AuditActionBatchImport, "vouchers"), inventoryHandler.Import)
	admin.POST("/vouchers/import-csv", adminOnly,
		middleware.Audit(userRepo, models.AuditActionBatchImport, "vouchers"), inventoryHandler.ImportCSV)
	admin.POST("/vouchers/expire-sweep", adminOnly,
		middleware.Audit(userRepo, models.AuditActionVoucherExpireSweep, "vouchers"), inventoryHandler.ExpireSweep)
	admin.GET("/batches", adminOnly, inventoryHandler.ListBatches)
	admin.GET("/batches/:id", adminOnly, inventoryHandler.GetBatch)

	admin.GET("/orders", anyRole, orderHandler.List)
	admin.GET("/orders/:id", anyRole, orderHandler.Get)
	admin.GET("/orders/:id/recipients", anyRole, orderHandler.Recipients)
	admin.GET("/orders/:id/invoice", anyRole, orderHandler.InvoiceLink)
	admin.POST("/orders/:id/mark-paid", adminOnly,
		middleware.Audit(userRepo, models.AuditActionOrderMarkPaid, "orders"), orderHandler.MarkPaid)
	admin.POST("/orders/:id/fulfill", adminOnly,
		middleware.Audit(userRepo, models.AuditActionOrderFulfill, "orders"), fulfillmentHandler.Fulfill)
	admin.POST("/orders/:id/deliver-bulk", adminOnly,
		middleware.Audit(userRepo, models.AuditActionOrderFulfill, "orders"), fulfillmentHandler.DeliverBulk)
	admin.POST("/orders/:id/deliver-bulk/run", adminOnly,
		middleware.Audit(userRepo, models.AuditActionOrderFulfill, "orders"), fulfillmentHandler.DeliverBulkNow)

	admin.GET("/institutions", adminOnly, institutionHandler.List)
	admin.GET("/institutions/:id", adminOnly, institutionHandler.Get)
	admin.POST("/institutions/:id/review", adminOnly,
		middleware.Audit(userRepo, models.AuditActionInstitutionReview, "institutions"), institutionHandler.Review)

	admin.GET("/metrics", adminOnly, metricsHandler.Snapshot)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(rootCtx)
	defer dispatcher.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
