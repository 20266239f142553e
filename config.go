package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	BotToken    string
	AdminIDs    []int64
	DatabaseURL string
	ListenAddr  string

	LogLevel  string
	LogFormat string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	Gateway          string
	YooKassaShopID   string
	YooKassaSecret   string
	YooKassaAPIURL   string
	WebhookSecret    string
	StripeSecretKey  string
	StripeWebhookKey string
	ReturnURL        string
	Currency         string
	ReceiptEmail     string
	VATCode          int
	TaxSystem        int

	PaymentRetries    int
	PaymentRetryDelay time.Duration

	JWTSecret         string
	AdminLogin        string
	AdminPasswordHash string

	Pricing PricingRules
	Shop    ShopInfo
	Loc     *time.Location
}

// LoadConfig reads the process environment, after loading an optional .env file.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	return configFromEnv(os.Getenv)
}

func configFromEnv(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		BotToken:          env("BOT_TOKEN", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
		ListenAddr:        env("LISTEN_ADDR", ":8000"),
		LogLevel:          env("LOG_LEVEL", "info"),
		LogFormat:         env("LOG_FORMAT", "text"),
		RedisAddr:         env("REDIS_ADDR", ""),
		RedisPassword:     env("REDIS_PASSWORD", ""),
		Gateway:           strings.ToLower(env("PAYMENT_GATEWAY", "yookassa")),
		YooKassaShopID:    env("YOOKASSA_SHOP_ID", ""),
		YooKassaSecret:    env("YOOKASSA_SECRET_KEY", ""),
		YooKassaAPIURL:    env("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"),
		WebhookSecret:     env("WEBHOOK_SECRET", ""),
		StripeSecretKey:   env("STRIPE_SECRET_KEY", ""),
		StripeWebhookKey:  env("STRIPE_WEBHOOK_SECRET", ""),
		ReturnURL:         env("PAYMENT_RETURN_URL", "https://t.me/flowersstories_bot"),
		Currency:          env("CURRENCY", "RUB"),
		ReceiptEmail:      env("RECEIPT_EMAIL", ""),
		JWTSecret:         env("JWT_SECRET", ""),
		AdminLogin:        env("ADMIN_LOGIN", "admin"),
		AdminPasswordHash: env("ADMIN_PASSWORD_HASH", ""),
		Shop: ShopInfo{
			Name:      env("SHOP_NAME", "Лавка цветочная история"),
			Address:   env("SHOP_ADDRESS", "1-й Вешняковский пр., 2А, Москва"),
			Phone:     env("SHOP_PHONE", "+7 (965) 230-17-29"),
			WorkHours: env("SHOP_WORK_HOURS", "Ежедневно с 8:00 до 20:00"),
			Manager:   env("SHOP_MANAGER", "@Therry_Voyager"),
		},
	}

	var err error
	if cfg.AdminIDs, err = parseIDList(env("ADMIN_IDS", "")); err != nil {
		return cfg, fmt.Errorf("ADMIN_IDS: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(env("REDIS_DB", "0")); err != nil {
		return cfg, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.SessionTTL, err = time.ParseDuration(env("SESSION_TTL", "24h")); err != nil {
		return cfg, fmt.Errorf("SESSION_TTL: %w", err)
	}
	if cfg.VATCode, err = strconv.Atoi(env("YOOKASSA_TAX_RATE", "1")); err != nil {
		return cfg, fmt.Errorf("YOOKASSA_TAX_RATE: %w", err)
	}
	if cfg.TaxSystem, err = strconv.Atoi(env("YOOKASSA_TAX_SYSTEM", "1")); err != nil {
		return cfg, fmt.Errorf("YOOKASSA_TAX_SYSTEM: %w", err)
	}
	if cfg.PaymentRetries, err = strconv.Atoi(env("PAYMENT_RETRIES", "3")); err != nil {
		return cfg, fmt.Errorf("PAYMENT_RETRIES: %w", err)
	}
	if cfg.PaymentRetryDelay, err = time.ParseDuration(env("PAYMENT_RETRY_DELAY", "2s")); err != nil {
		return cfg, fmt.Errorf("PAYMENT_RETRY_DELAY: %w", err)
	}
	if cfg.Loc, err = time.LoadLocation(env("SHOP_TIMEZONE", "Europe/Moscow")); err != nil {
		return cfg, fmt.Errorf("SHOP_TIMEZONE: %w", err)
	}

	cfg.Pricing = DefaultPricingRules()
	rates := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"BONUS_MAX_SHARE", &cfg.Pricing.MaxBonusShare},
		{"BONUS_EARN_RATE", &cfg.Pricing.BonusEarnRate},
		{"FIRST_ORDER_DISCOUNT", &cfg.Pricing.FirstOrderDiscount},
		{"DELIVERY_FEE", &cfg.Pricing.DeliveryFee},
	}
	for _, r := range rates {
		v := getenv(r.key)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", r.key, err)
		}
		*r.dst = d
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.Gateway {
	case "yookassa":
		if c.YooKassaShopID == "" || c.YooKassaSecret == "" {
			errs = append(errs, errors.New("YOOKASSA_SHOP_ID and YOOKASSA_SECRET_KEY are required"))
		}
		if c.WebhookSecret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
		}
	case "stripe":
		if c.StripeSecretKey == "" || c.StripeWebhookKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_GATEWAY %q", c.Gateway))
	}
	if c.PaymentRetries < 1 {
		errs = append(errs, errors.New("PAYMENT_RETRIES must be at least 1"))
	}
	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
