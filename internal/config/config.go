package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API, the sweeper and the bot.
type Config struct {
	AppEnv         string
	LogLevel       string
	MySQLDSN       string
	HTTPListenAddr string
	PublicBaseURL  string
	APIToken       string
	CronSecret     string
	AdminUsername  string
	AdminPassword  string
	WebhookSecret  string
	RedisURL       string
	StarterCredits int

	KIEAPIKey         string
	KIEBaseURL        string
	ReplicateAPIToken string
	ReplicateBaseURL  string
	ProviderTimeout   time.Duration

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	PromptEnhanceTimeout time.Duration

	ConverterBaseURL       string
	ConverterAPIKey        string
	TranscodePollInterval  time.Duration
	TranscodeMaxAttempts   int
	TranscodeMaxVideoBytes int64

	SweepInterval  time.Duration
	SweepBatchSize int
	SweepWorkers   int
	DispatchGrace  time.Duration

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
	S3SignedURLTTL  time.Duration

	BotToken                     string
	TelegramPaymentProviderToken string
	PaymentProvider              string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentCreditsPerPackage     int
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string
	YooKassaAPIURL               string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		AppEnv:         getEnv("APP_ENV", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MySQLDSN:       os.Getenv("MYSQL_DSN"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:  strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		APIToken:       os.Getenv("API_TOKEN"),
		CronSecret:     os.Getenv("CRON_SECRET"),
		AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:  os.Getenv("ADMIN_PASSWORD"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		RedisURL:       os.Getenv("REDIS_URL"),
		StarterCredits: getInt("STARTER_CREDITS", 2),

		KIEAPIKey:         os.Getenv("KIE_API_KEY"),
		KIEBaseURL:        normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateBaseURL:  strings.TrimRight(getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"), "/"),
		ProviderTimeout:   getSeconds("PROVIDER_TIMEOUT_SECONDS", 30),

		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		PromptEnhanceTimeout: getSeconds("PROMPT_ENHANCE_TIMEOUT_SECONDS", 8),

		ConverterBaseURL:       strings.TrimRight(os.Getenv("CONVERTER_BASE_URL"), "/"),
		ConverterAPIKey:        os.Getenv("CONVERTER_API_KEY"),
		TranscodePollInterval:  getSeconds("TRANSCODE_POLL_INTERVAL_SECONDS", 3),
		TranscodeMaxAttempts:   getInt("TRANSCODE_MAX_ATTEMPTS", 40),
		TranscodeMaxVideoBytes: getInt64("TRANSCODE_MAX_VIDEO_BYTES", 64<<20),

		SweepInterval:  getSeconds("SWEEP_INTERVAL_SECONDS", 30),
		SweepBatchSize: getInt("SWEEP_BATCH_SIZE", 20),
		SweepWorkers:   getInt("SWEEP_WORKERS", 4),
		DispatchGrace:  getSeconds("DISPATCH_GRACE_SECONDS", 600),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "gifs"),
		S3SignedURLTTL:  getSeconds("S3_SIGNED_URL_TTL_SECONDS", 0),

		BotToken:                     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramPaymentProviderToken: os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN"),
		PaymentProvider:              strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		PaymentCurrency:              getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPriceMinorUnits:       getInt("PAYMENT_PRICE_MINOR_UNITS", 29900),
		PaymentCreditsPerPackage:     getInt("PAYMENT_CREDITS_PER_PACKAGE", 20),
		YooKassaShopID:               os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:            os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL:            os.Getenv("YOOKASSA_RETURN_URL"),
		YooKassaAPIURL:               strings.TrimRight(getEnv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"), "/"),
	}

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}
	if cfg.KIEAPIKey == "" && cfg.ReplicateAPIToken == "" {
		missing = append(missing, "KIE_API_KEY or REPLICATE_API_TOKEN")
	}
	if cfg.ConverterBaseURL == "" {
		missing = append(missing, "CONVERTER_BASE_URL")
	}
	if cfg.BotToken != "" && cfg.PaymentProvider == "telegram" && cfg.TelegramPaymentProviderToken == "" {
		missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	}
	if cfg.PaymentProvider == "yookassa" {
		if cfg.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if cfg.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" && cfg.S3SignedURLTTL <= 0 {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.TranscodeMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("TRANSCODE_MAX_ATTEMPTS must be positive")
	}
	if cfg.SweepBatchSize <= 0 || cfg.SweepWorkers <= 0 {
		return Config{}, fmt.Errorf("SWEEP_BATCH_SIZE and SWEEP_WORKERS must be positive")
	}

	return cfg, nil
}

// WebhookVerificationEnabled reports whether inbound provider callbacks are authenticated.
func (c Config) WebhookVerificationEnabled() bool {
	return c.WebhookSecret != ""
}

// TranscodeBudget is the longest a single transcoding run can poll before giving up.
func (c Config) TranscodeBudget() time.Duration {
	return c.TranscodePollInterval * time.Duration(c.TranscodeMaxAttempts)
}

// normalizeKIEBaseURL ensures we always hit the documented API host. The root kie.ai
// domain serves the marketing site and answers API paths with HTML.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getInt(key, fallback))
}

// loadEnvFile overlays the first env file found. A missing file is not an error:
// container deployments pass everything through the environment.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
