// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/mysqlstore"
	"github.com/alexedwards/scs/v2"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"oracle-dashboard/internal/alert"
	"oracle-dashboard/internal/billing"
	"oracle-dashboard/internal/config"
	"oracle-dashboard/internal/db"
	"oracle-dashboard/internal/handlers"
	"oracle-dashboard/internal/middleware"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/oracle"
	"oracle-dashboard/internal/payment_gateway/nowpayments"
	"oracle-dashboard/internal/payment_gateway/paystack"
	"oracle-dashboard/internal/reconcile"
)

// oracleBackend: все, что сервер берет у Oracle Engine.
type oracleBackend interface {
	handlers.ProfileSource
	handlers.BillingBackend
	reconcile.InvoiceStore
}

func main() {
	configPath := "configs/config.yaml"
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Критическая ошибка: не удалось загрузить конфигурацию: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.AppEnv)
	slog.Info("Запуск сервера Oracle Dashboard...", "app_env", cfg.AppEnv)

	if err := run(cfg); err != nil {
		slog.Error("Сервер остановлен с ошибкой", "error", err)
		os.Exit(1)
	}
	slog.Info("Сервер остановлен")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alerter, flush := newAlerter(cfg)
	defer flush()

	store, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("инициализация базы данных: %w", err)
	}
	defer store.Close()
	slog.Info("База данных успешно инициализирована и миграции применены.")

	sessionManager := scs.New()
	sessionManager.Store = mysqlstore.New(store.DB())
	sessionManager.Lifetime = 24 * time.Hour
	sessionManager.Cookie.Name = "oracle_session"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.Persist = true
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode
	sessionManager.Cookie.Secure = cfg.IsProduction()
	sessionManager.Cookie.Path = "/"
	slog.Info("Менеджер сессий инициализирован", "store", "mysqlstore", "lifetime", sessionManager.Lifetime, "secure_cookie", sessionManager.Cookie.Secure)

	backend := newBackend(cfg)
	gateways, card, crypto := newProcessors(cfg)

	reconciler := reconcile.New(reconcile.Deps{
		Invoices: backend,
		Intents:  store,
		Ledger:   store.Webhooks(),
		Card:     card,
		Crypto:   crypto,
		Alerter:  alerter,
	})
	registry := billing.NewRegistry(cfg.Checkout.IdleTTL())
	limiter := middleware.NewIPRateLimiter(float64(cfg.Webhooks.RatePerSecond), cfg.Webhooks.Burst)

	g, gctx := errgroup.WithContext(ctx)

	authHandlers := handlers.NewAuthHandlers(sessionManager, backend)
	billingHandlers := handlers.NewBillingHandlers(gctx, handlers.BillingDeps{
		Backend:    backend,
		Factory:    billing.NewIntentFactory(cfg.Plans, backend, cfg.BaseURL),
		Gateways:   gateways,
		Intents:    store,
		Registry:   registry,
		Reconciler: reconciler,
		Plans:      cfg.Plans,
		Dialog: billing.DialogConfig{
			PaymentWindow:   cfg.Checkout.PaymentWindow(),
			RefreshInterval: cfg.Checkout.RefreshInterval(),
			Poll: billing.PollerConfig{
				Interval:    cfg.Checkout.PollInterval(),
				MaxAttempts: cfg.Checkout.PollMaxAttempts,
			},
		},
	})

	requireAuth := middleware.RequireAuthentication(sessionManager)

	mainMux := http.NewServeMux()
	mainMux.HandleFunc("GET /api/csrf", authHandlers.CSRFHandler)
	mainMux.HandleFunc("POST /api/login", authHandlers.LoginHandler)
	mainMux.HandleFunc("POST /api/logout", authHandlers.LogoutHandler)
	mainMux.Handle("GET /api/me", requireAuth(http.HandlerFunc(authHandlers.MeHandler)))
	mainMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	billingHandlers.Register(mainMux, requireAuth, limiter.Middleware)

	// Вебхуки процессоров приходят без сессии и CSRF-токена.
	csrfProtectedRoutes := middleware.NoSurfMiddleware(mainMux, cfg.IsProduction(),
		handlers.NowPaymentsWebhookPath, handlers.PaystackWebhookPath)
	finalHandler := sessionManager.LoadAndSave(csrfProtectedRoutes)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		slog.Info("Сервер Oracle Dashboard запущен и слушает", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP-сервер %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Остановка сервера...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return registry.Run(gctx, time.Minute) })
	g.Go(func() error { return limiter.Run(gctx, 5*time.Minute) })
	g.Go(func() error {
		retention := time.Duration(cfg.Webhooks.RetentionDays) * 24 * time.Hour
		return store.RunCleanup(gctx, 24*time.Hour, retention)
	})

	return g.Wait()
}

// newAlerter собирает каналы алертов: лог всегда, Sentry и Slack по конфигурации.
func newAlerter(cfg *config.Config) (alert.Alerter, func()) {
	alerters := alert.Multi{alert.Log{}}
	flush := func() {}

	if cfg.Alerts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Alerts.SentryDSN,
			Environment: cfg.AppEnv,
			ServerName:  cfg.SiteName,
		})
		if err != nil {
			slog.Error("Не удалось инициализировать Sentry, алерты туда не пойдут", "error", err)
		} else {
			alerters = append(alerters, alert.NewSentry(sentry.CurrentHub()))
			flush = func() { sentry.Flush(2 * time.Second) }
			slog.Info("Sentry подключен")
		}
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlack(cfg.Alerts.SlackWebhookURL))
		slog.Info("Slack-алерты подключены")
	}
	return alerters, flush
}

// newBackend возвращает клиент Oracle Engine. Без ORACLE_API_URL (только вне production)
// используется бэкенд в памяти с демо-аккаунтом.
func newBackend(cfg *config.Config) oracleBackend {
	if cfg.Oracle.APIURL != "" {
		timeout := time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second
		slog.Info("Используется Oracle Engine API", "url", cfg.Oracle.APIURL)
		return oracle.NewClient(cfg.Oracle.APIURL, cfg.Oracle.APIKey, timeout)
	}

	mem := oracle.NewMemoryBackend()
	if cfg.Oracle.DemoAPIKey != "" {
		mem.AddAccount(models.Account{ID: "acc_demo", Email: "demo@oracle-engine.local", Name: "Demo"}, cfg.Oracle.DemoAPIKey)
	}
	slog.Warn("ORACLE_API_URL не задан: используется Oracle Engine в памяти, данные не сохраняются")
	return mem
}

// newProcessors создает адаптеры настроенных процессоров.
// Ненастроенный процессор остается nil-интерфейсом, а не nil-указателем.
func newProcessors(cfg *config.Config) (map[models.PaymentMethod]billing.Gateway, reconcile.CardProcessor, reconcile.CryptoProcessor) {
	gateways := make(map[models.PaymentMethod]billing.Gateway)
	var (
		card   reconcile.CardProcessor
		crypto reconcile.CryptoProcessor
	)

	if cfg.NowPayments.APIKey != "" {
		client := nowpayments.NewClient(cfg.NowPayments.BaseURL, cfg.NowPayments.APIKey, cfg.NowPayments.IPNSecret)
		gateways[models.PaymentMethodCrypto] = client
		crypto = client
		slog.Info("Криптоплатежи подключены", "processor", "nowpayments")
	}
	if cfg.Paystack.SecretKey != "" {
		client := paystack.NewClient(cfg.Paystack.BaseURL, cfg.Paystack.SecretKey)
		gateways[models.PaymentMethodCard] = client
		card = client
		slog.Info("Оплата картой подключена", "processor", "paystack")
	}
	if len(gateways) == 0 {
		slog.Warn("Не настроен ни один платежный процессор: оплата недоступна")
	}
	return gateways, card, crypto
}
