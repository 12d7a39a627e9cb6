package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables (optionally seeded from a .env
// file) with defaults that let the binary run locally on the memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	SlotCacheTTL  time.Duration

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaLessonTopic   string

	NATSURL string

	StripeAPIKey        string
	StripeWebhookSecret string
	PaymentCurrency     string
	PlatformFeePercent  float64

	JWTSecret string

	GeofenceRadiusMeters  float64
	SearchDefaultRadiusKm float64
	SearchMaxResults      int
	OSRMURL               string
	DefaultSpeedMps       float64

	NotifyWebhookURL string
	NotifyWebhookKey string
	NotifyTimeout    time.Duration

	OTLPEndpoint string
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "instructors_geo",
		SlotCacheTTL:          30 * time.Second,
		KafkaLocationTopic:    "instructor-locations",
		KafkaLessonTopic:      "lesson-events",
		PaymentCurrency:       "brl",
		PlatformFeePercent:    0.15,
		GeofenceRadiusMeters:  150,
		SearchDefaultRadiusKm: 10,
		SearchMaxResults:      20,
		DefaultSpeedMps:       10,
		NotifyTimeout:         2 * time.Second,
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	loadDotEnv(&errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.SlotCacheTTL, "SLOT_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaLessonTopic, "KAFKA_LESSON_TOPIC")

	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}
	setFloatFromEnv(&cfg.PlatformFeePercent, "PLATFORM_FEE_PERCENT", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setFloatFromEnv(&cfg.GeofenceRadiusMeters, "GEOFENCE_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.SearchDefaultRadiusKm, "SEARCH_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.SearchMaxResults, "SEARCH_MAX_RESULTS", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")
	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > 1 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENT must be within 0..1"))
	}
	if cfg.GeofenceRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("GEOFENCE_RADIUS_METERS must be > 0"))
	}
	if cfg.SearchMaxResults <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_MAX_RESULTS must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "instructor-locations",
		KafkaGroup:   "godrive-location-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "instructors_geo",
		LogLevel:     "info",
	}
	var errs []error
	loadDotEnv(&errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv seeds the environment from ENV_FILE (default .env). Variables
// already set win; a missing default file is not an error.
func loadDotEnv(errs *[]error) {
	path, explicit := os.LookupEnv("ENV_FILE")
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return
		}
		*errs = append(*errs, fmt.Errorf("load %s: %w", path, err))
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
