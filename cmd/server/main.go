package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/godrive/internal/auth"
	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/booking"
	"github.com/example/godrive/internal/config"
	"github.com/example/godrive/internal/dispatch"
	"github.com/example/godrive/internal/eta"
	"github.com/example/godrive/internal/events"
	"github.com/example/godrive/internal/geo"
	httpapi "github.com/example/godrive/internal/http"
	"github.com/example/godrive/internal/ingest"
	"github.com/example/godrive/internal/logging"
	"github.com/example/godrive/internal/payments"
	"github.com/example/godrive/internal/search"
	"github.com/example/godrive/internal/storage"
	"github.com/example/godrive/internal/tracing"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	rides        storage.RideStore
	instructors  storage.InstructorStore
	availability storage.AvailabilityStore
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	shutdownTracing, err := tracing.InitTracerProvider(ctx, "godrive-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	var st stores
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db.DB); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		ps := storage.NewPostgresStore(db)
		st = stores{ps.Rides(), ps.Instructors(), ps.Availability()}
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		ms := storage.NewMemoryStore()
		st = stores{ms.Rides(), ms.Instructors(), ms.Availability()}
	}

	var rdb *redis.Client
	var g geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		}
		g = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
	}

	engine := availability.NewEngine(st.availability, st.rides, logger)
	var slots availability.SlotSource = engine
	var ruleOpts []availability.RuleOption
	bookingOpts := []booking.Option{
		booking.WithGeofenceRadius(cfg.GeofenceRadiusMeters),
		booking.WithNotifyTimeout(cfg.NotifyTimeout),
	}
	if rdb != nil {
		cached := availability.NewCachedEngine(engine, rdb, cfg.SlotCacheTTL, logger)
		slots = cached
		bookingOpts = append(bookingOpts, booking.WithInvalidator(cached))
		ruleOpts = append(ruleOpts, availability.WithRuleInvalidator(cached))
	}

	rooms := dispatch.NewRooms(logger)
	defer rooms.Close()
	// lesson transitions go to the rooms and every bus; bookings only to the buses
	notifier := dispatch.NewFanout().Add("rooms", rooms)
	sinks := dispatch.NewFanout()

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaLessonTopic)
		defer kp.Close()
		locations = kp
		notifier.Add("kafka", kp)
		sinks.Add("kafka", kp)
	}
	if cfg.NATSURL != "" {
		np, err := events.NewNatsPublisher(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats unavailable, lesson events not published there", "url", cfg.NATSURL, "error", err)
		} else {
			defer np.Close()
			notifier.Add("nats", np)
			sinks.Add("nats", np)
		}
	}
	if cfg.NotifyWebhookURL != "" {
		wh := dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey)
		notifier.Add("webhook", wh)
		sinks.Add("webhook", wh)
	}

	lessons := booking.NewService(st.rides, st.instructors, slots, notifier, logger, bookingOpts...)

	var etaClient eta.Client
	if cfg.OSRMURL != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMURL)
	}
	finder := &search.Service{
		Geo:           g,
		Instructors:   st.instructors,
		ETA:           &eta.Estimator{Client: etaClient, Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps},
		Logger:        logger,
		DefaultRadius: cfg.SearchDefaultRadiusKm,
		MaxResults:    cfg.SearchMaxResults,
	}

	deps := httpapi.Deps{
		Booking:       lessons,
		Search:        finder,
		Slots:         slots,
		Rules:         availability.NewRuleService(st.availability, logger, ruleOpts...),
		Rooms:         rooms,
		Geo:           g,
		Locations:     locations,
		Tokens:        auth.NewTokens(cfg.JWTSecret),
		Logger:        logger,
		NotifyTimeout: cfg.NotifyTimeout,
	}
	if sinks.Len() > 0 {
		deps.Events = sinks
	}
	var provider payments.Provider
	if cfg.StripeAPIKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_API_KEY not set, only free lessons can be confirmed")
	}
	deps.Payments = payments.NewService(provider, st.rides, st.instructors, lessons, cfg.PlatformFeePercent, cfg.PaymentCurrency, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps).Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("godrive listening", "addr", cfg.HTTPAddr, "notifiers", notifier.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
