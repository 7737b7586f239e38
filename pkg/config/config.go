package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Mail        MailConfig
	Catalog     CatalogConfig
	Fulfillment FulfillmentConfig
	Invoices    InvoicesConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MailConfig holds delivery credentials for outbound voucher notifications.
type MailConfig struct {
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	ReplyToEmail   string
	SendTimeout    time.Duration
}

// CatalogConfig governs cache behaviour for the public certificate catalog.
type CatalogConfig struct {
	CacheTTL time.Duration
}

// FulfillmentConfig tunes the voucher delivery workflow.
type FulfillmentConfig struct {
	MaxRecipientsPerOrder int
	BulkWorkerConcurrency int
	BulkWorkerRetries     int
}

// InvoicesConfig controls invoice PDF storage and signed download links.
type InvoicesConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Mail = MailConfig{
		SendGridAPIKey: v.GetString("SENDGRID_API_KEY"),
		FromEmail:      v.GetString("MAIL_FROM_EMAIL"),
		FromName:       v.GetString("MAIL_FROM_NAME"),
		ReplyToEmail:   v.GetString("MAIL_REPLY_TO"),
		SendTimeout:    parseDuration(v.GetString("MAIL_SEND_TIMEOUT"), 15*time.Second),
	}

	cfg.Catalog = CatalogConfig{
		CacheTTL: parseDuration(v.GetString("CATALOG_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Fulfillment = FulfillmentConfig{
		MaxRecipientsPerOrder: v.GetInt("FULFILLMENT_MAX_RECIPIENTS"),
		BulkWorkerConcurrency: v.GetInt("FULFILLMENT_BULK_WORKERS"),
		BulkWorkerRetries:     v.GetInt("FULFILLMENT_BULK_RETRIES"),
	}

	cfg.Invoices = InvoicesConfig{
		StorageDir:      v.GetString("INVOICES_STORAGE_DIR"),
		SignedURLSecret: v.GetString("INVOICES_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("INVOICES_SIGNED_URL_TTL"), 24*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "certsouq")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SENDGRID_API_KEY", "")
	v.SetDefault("MAIL_FROM_EMAIL", "vouchers@certsouq.sa")
	v.SetDefault("MAIL_FROM_NAME", "CertSouq")
	v.SetDefault("MAIL_REPLY_TO", "support@certsouq.sa")
	v.SetDefault("MAIL_SEND_TIMEOUT", "15s")

	v.SetDefault("CATALOG_CACHE_TTL", "10m")

	v.SetDefault("FULFILLMENT_MAX_RECIPIENTS", 500)
	v.SetDefault("FULFILLMENT_BULK_WORKERS", 1)
	v.SetDefault("FULFILLMENT_BULK_RETRIES", 3)

	v.SetDefault("INVOICES_STORAGE_DIR", "./invoices")
	v.SetDefault("INVOICES_SIGNED_URL_SECRET", "dev_invoices_secret")
	v.SetDefault("INVOICES_SIGNED_URL_TTL", "24h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
