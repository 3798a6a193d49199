// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"oracle-dashboard/internal/models"
)

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

// OracleConfig: бэкенд Oracle Engine. Пустой APIURL в development включает бэкенд в памяти.
type OracleConfig struct {
	APIURL         string `yaml:"api_url"`
	APIKey         string `yaml:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DemoAPIKey     string `yaml:"demo_api_key"`
}

type NowPaymentsConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"`
	IPNSecret string `yaml:"-"`
}

type PaystackConfig struct {
	BaseURL   string `yaml:"base_url"`
	SecretKey string `yaml:"-"`
}

// CheckoutConfig: параметры окна оплаты и опроса статуса.
type CheckoutConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	PollMaxAttempts        int `yaml:"poll_max_attempts"`
	PaymentWindowMinutes   int `yaml:"payment_window_minutes"`
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	IdleTTLMinutes         int `yaml:"idle_ttl_minutes"`
}

func (c CheckoutConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c CheckoutConfig) PaymentWindow() time.Duration {
	return time.Duration(c.PaymentWindowMinutes) * time.Minute
}

func (c CheckoutConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c CheckoutConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

type AlertsConfig struct {
	SentryDSN       string `yaml:"-"`
	SlackWebhookURL string `yaml:"-"`
}

type WebhooksConfig struct {
	RatePerSecond int `yaml:"rate_per_second"`
	Burst         int `yaml:"burst"`
	RetentionDays int `yaml:"retention_days"`
}

type Config struct {
	SiteName    string            `yaml:"site_name"`
	BaseURL     string            `yaml:"base_url"`
	Port        int               `yaml:"port"`
	AppEnv      string            `yaml:"app_env"`
	Database    DatabaseConfig    `yaml:"database"`
	Oracle      OracleConfig      `yaml:"oracle"`
	NowPayments NowPaymentsConfig `yaml:"nowpayments"`
	Paystack    PaystackConfig    `yaml:"paystack"`
	Checkout    CheckoutConfig    `yaml:"checkout"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Plans       []models.Plan     `yaml:"plans"`
	Alerts      AlertsConfig      `yaml:"-"`
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func getStringEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
		slog.Warn("Не удалось преобразовать переменную окружения в число, используется значение по умолчанию", "key", key, "value", valueStr)
	}
	return defaultValue
}

func LoadConfig(filename string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load("configs/.env"); err != nil {
			slog.Info("configs/.env не найден, используются системные переменные окружения", "error", err)
		} else {
			slog.Info("Переменные окружения загружены из configs/.env")
		}
	}

	file, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("файл конфигурации не найден: %s", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла конфигурации '%s': %w", filename, err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка декодирования YAML из файла '%s': %w", filename, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("Конфигурация загружена",
		"app_env", cfg.AppEnv,
		"base_url", cfg.BaseURL,
		"port", cfg.Port,
		"plans", len(cfg.Plans),
		"crypto", cfg.NowPayments.APIKey != "",
		"card", cfg.Paystack.SecretKey != "",
	)
	return &cfg, nil
}

func (cfg *Config) applyEnv() error {
	cfg.AppEnv = getStringEnvOrDefault("APP_ENV", cfg.AppEnv)
	isProduction := cfg.IsProduction()

	cfg.BaseURL = getStringEnvOrDefault("BASE_URL", cfg.BaseURL)
	cfg.Port = getIntEnvOrDefault("PORT", cfg.Port)

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database = DatabaseConfig{Path: dsn}
	} else {
		cfg.Database.Host = getStringEnvOrDefault("DB_HOST", cfg.Database.Host)
		cfg.Database.Port = getIntEnvOrDefault("DB_PORT", cfg.Database.Port)
		cfg.Database.User = getStringEnvOrDefault("DB_USER", cfg.Database.User)
		cfg.Database.Password = getStringEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
		cfg.Database.DBName = getStringEnvOrDefault("DB_NAME", cfg.Database.DBName)
		cfg.Database.Path = ""
	}

	cfg.Oracle.APIURL = getStringEnvOrDefault("ORACLE_API_URL", cfg.Oracle.APIURL)
	cfg.Oracle.APIKey = os.Getenv("ORACLE_API_KEY")
	if isProduction && (cfg.Oracle.APIURL == "" || cfg.Oracle.APIKey == "") {
		slog.Error("КРИТИЧЕСКАЯ ОШИБКА: ORACLE_API_URL и ORACLE_API_KEY должны быть установлены для production")
		return fmt.Errorf("ORACLE_API_URL и ORACLE_API_KEY должны быть установлены в переменных окружения для production")
	}

	cfg.NowPayments.BaseURL = getStringEnvOrDefault("NOWPAYMENTS_BASE_URL", cfg.NowPayments.BaseURL)
	cfg.NowPayments.APIKey = os.Getenv("NOWPAYMENTS_API_KEY")
	cfg.NowPayments.IPNSecret = os.Getenv("NOWPAYMENTS_IPN_SECRET")
	if cfg.NowPayments.APIKey != "" && cfg.NowPayments.IPNSecret == "" {
		slog.Error("КРИТИЧЕСКАЯ ОШИБКА: NOWPAYMENTS_IPN_SECRET не задан, IPN не пройдут проверку подписи")
		return fmt.Errorf("NOWPAYMENTS_IPN_SECRET должен быть установлен вместе с NOWPAYMENTS_API_KEY")
	}

	cfg.Paystack.BaseURL = getStringEnvOrDefault("PAYSTACK_BASE_URL", cfg.Paystack.BaseURL)
	cfg.Paystack.SecretKey = os.Getenv("PAYSTACK_SECRET_KEY")

	if isProduction && cfg.NowPayments.APIKey == "" && cfg.Paystack.SecretKey == "" {
		slog.Error("КРИТИЧЕСКАЯ ОШИБКА: не настроен ни один платежный процессор")
		return fmt.Errorf("NOWPAYMENTS_API_KEY или PAYSTACK_SECRET_KEY должен быть установлен для production")
	}

	cfg.Alerts.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.Alerts.SlackWebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	if isProduction && cfg.Alerts.SentryDSN == "" && cfg.Alerts.SlackWebhookURL == "" {
		slog.Warn("Ни SENTRY_DSN, ни SLACK_WEBHOOK_URL не заданы: алерты сверки будут только в логах")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.SiteName == "" {
		cfg.SiteName = "Oracle Engine"
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = 10
	}
	if cfg.NowPayments.BaseURL == "" {
		cfg.NowPayments.BaseURL = "https://api.nowpayments.io/v1"
	}
	if cfg.Paystack.BaseURL == "" {
		cfg.Paystack.BaseURL = "https://api.paystack.co"
	}

	c := &cfg.Checkout
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 180
	}
	if c.PaymentWindowMinutes <= 0 {
		c.PaymentWindowMinutes = 15
	}
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = 3
	}
	if c.IdleTTLMinutes <= 0 {
		c.IdleTTLMinutes = 30
	}

	w := &cfg.Webhooks
	if w.RatePerSecond <= 0 {
		w.RatePerSecond = 20
	}
	if w.Burst <= 0 {
		w.Burst = 40
	}
	if w.RetentionDays <= 0 {
		w.RetentionDays = 90
	}

	for i := range cfg.Plans {
		cfg.Plans[i].Currency = strings.ToUpper(cfg.Plans[i].Currency)
	}
}

func (cfg *Config) validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("BASE_URL не задан")
	}
	if cfg.IsProduction() && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("в production окружении BASE_URL должен начинаться с https://")
	}
	if cfg.Database.Path == "" && cfg.Database.Host == "" {
		return fmt.Errorf("параметры подключения к БД (DATABASE_DSN или DB_HOST и др.) не заданы")
	}
	if cfg.Database.Host != "" {
		if cfg.Database.User == "" {
			return fmt.Errorf("DB_USER не задан для подключения к БД")
		}
		if cfg.Database.DBName == "" {
			return fmt.Errorf("DB_NAME не задан для подключения к БД")
		}
	}
	if len(cfg.Plans) == 0 {
		return fmt.Errorf("plans: не задан ни один тариф")
	}
	seen := make(map[string]bool, len(cfg.Plans))
	for _, p := range cfg.Plans {
		if p.ID == "" {
			return fmt.Errorf("plans: тариф без id")
		}
		if seen[p.ID] {
			return fmt.Errorf("plans: тариф %q задан дважды", p.ID)
		}
		seen[p.ID] = true
		if p.Currency == "" {
			return fmt.Errorf("plans: у тарифа %q не задана валюта", p.ID)
		}
		if p.MonthlyAmount < 0 || p.AnnualAmount < 0 {
			return fmt.Errorf("plans: отрицательная цена тарифа %q", p.ID)
		}
	}
	return nil
}

func InitLogger(appEnv string) {
	var logger *slog.Logger
	if appEnv == "development" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	slog.SetDefault(logger)
}
