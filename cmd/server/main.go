package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/gig-escrow/internal/config"
	"github.com/ignatzorin/gig-escrow/internal/db"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/gateway/fake"
	"github.com/ignatzorin/gig-escrow/internal/gateway/stripe"
	"github.com/ignatzorin/gig-escrow/internal/goroutine"
	httpHandlers "github.com/ignatzorin/gig-escrow/internal/http/handlers"
	httpRouter "github.com/ignatzorin/gig-escrow/internal/http/router"
	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/repository"
	"github.com/ignatzorin/gig-escrow/internal/service"
	"github.com/ignatzorin/gig-escrow/internal/ws"
)

// accessTokenTTL используется только для токенов, выпущенных этим процессом (служебные утилиты).
const accessTokenTTL = 15 * time.Minute

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	// Инициализация логгера
	logger.Init(cfg.LogLevel)
	if cfg.Env == "development" {
		logger.SetTextFormatter()
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	store := repository.NewPostgresStore(dbConn)
	gw := newGateway(cfg)
	retry := cfg.GatewayRetryPolicy()
	tokenManager := service.NewTokenManager(cfg.JWTSecret, accessTokenTTL)

	// Сервисы.
	escrowService := service.NewEscrowService(store, gw, cfg.FeeCalculator(), service.EscrowConfig{
		SupportedCurrencies: cfg.SupportedCurrencies,
		ReleasePeriod:       cfg.EscrowReleasePeriod(),
		Retry:               retry,
	})
	orderService := service.NewOrderService(store, escrowService)
	connectService := service.NewConnectService(store, gw, service.ConnectConfig{
		Countries:   cfg.ConnectCountries,
		FrontendURL: cfg.FrontendURL,
		Retry:       retry,
	})
	webhookService := service.NewWebhookService(store, gw, escrowService, connectService, cfg.WebhookEventTTL)
	payoutService := service.NewPayoutService(store, gw, connectService, service.PayoutConfig{
		MinimumAmount: cfg.MinimumPayoutAmount,
		InstanceID:    cfg.InstanceID,
		LeaseTTL:      cfg.PayoutLeaseTTL,
		Retry:         retry,
	})
	reconcileService := service.NewReconciliationService(store, gw, escrowService, payoutService, cfg.ReconcileAfter)

	// Вебсокеты.
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Устанавливаем hub для уведомлений о платежах и выплатах
	escrowService.SetHub(hub)
	webhookService.SetHub(hub)
	payoutService.SetHub(hub)

	// Фоновые задачи: выплаты, сверка, очистка отметок вебхуков.
	jobs := goroutine.NewRecoveryHandler(logger.Component("jobs"))
	jobs.Periodic(ctx, "payout sweep", cfg.PayoutSweepInterval, func(ctx context.Context) {
		report, err := payoutService.Sweep(ctx, time.Now())
		if err != nil {
			logger.Component("payouts").WithError(err).Error("payout sweep failed")
			return
		}
		if !report.Skipped {
			logger.Component("payouts").WithField("created", len(report.Created)).
				WithField("deferred", len(report.Deferred)).Info("payout sweep finished")
		}
	})
	jobs.Periodic(ctx, "reconciliation", cfg.ReconcileInterval, func(ctx context.Context) {
		report, err := reconcileService.Run(ctx, time.Now())
		if err != nil {
			logger.Component("reconciliation").WithError(err).Error("reconciliation failed")
			return
		}
		logger.Component("reconciliation").WithField("checked", report.Checked).
			WithField("resolved", report.Resolved).Debug("reconciliation finished")
	})
	jobs.Periodic(ctx, "webhook cleanup", 24*time.Hour, func(ctx context.Context) {
		if err := webhookService.CleanupExpired(ctx); err != nil {
			logger.Component("webhooks").WithError(err).Error("webhook cleanup failed")
		}
	})

	// HTTP хэндлеры.
	healthHandler := httpHandlers.NewHealthHandler(map[string]httpHandlers.HealthCheck{
		"database": dbConn.PingContext,
	})
	checkoutHandler := httpHandlers.NewCheckoutHandler(escrowService)
	webhookHandler := httpHandlers.NewWebhookHandler(webhookService)
	connectHandler := httpHandlers.NewConnectHandler(connectService)
	orderHandler := httpHandlers.NewOrderHandler(orderService, escrowService)
	paymentHandler := httpHandlers.NewPaymentHandler(escrowService)
	payoutHandler := httpHandlers.NewPayoutHandler(payoutService, reconcileService)
	wsHandler := httpHandlers.NewWSHandler(hub, tokenManager, cfg.AllowedOrigins)

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, healthHandler, checkoutHandler, webhookHandler, connectHandler,
		orderHandler, paymentHandler, payoutHandler, wsHandler, tokenManager)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
	}()

	logger.Log.WithField("gateway", cfg.GatewayProvider).Infof("HTTP сервер запущен на порту %s", cfg.HTTPPort)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}

	// Дожидаемся фоновых задач, чтобы аренда выплат была отпущена до выхода.
	jobs.Wait()
}

func newGateway(cfg *config.Config) gateway.Gateway {
	if cfg.GatewayProvider == config.GatewayStripe {
		return stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.WebhookSigningSecret,
			Timeout:       cfg.GatewayTimeout,
		})
	}
	logger.Log.Warn("используется fake платёжный шлюз, деньги не двигаются")
	return fake.New(cfg.WebhookSigningSecret)
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
