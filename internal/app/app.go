package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/config"
	"github.com/Freeeeeet/gym_trial_bot/internal/controller"
	"github.com/Freeeeeet/gym_trial_bot/internal/controller/middleware"
	"github.com/Freeeeeet/gym_trial_bot/internal/controller/state"
	"github.com/Freeeeeet/gym_trial_bot/internal/conversation"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/calendar"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/events"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/intent"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/messaging"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/schedule"
	"github.com/Freeeeeet/gym_trial_bot/internal/repository"
	"github.com/Freeeeeet/gym_trial_bot/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type publisher interface {
	service.EventPublisher
	Close() error
}

// App собирает все компоненты бота и управляет их жизненным циклом
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	Store        *service.ScheduleStore
	Availability *service.AvailabilityChecker
	Bookings     *service.BookingService
	Engine       *conversation.Engine

	source    *schedule.CSVSource
	limiter   *middleware.RateLimiter
	webhook   *controller.WebhookHandler
	telegram  *controller.BotController
	scheduler *Scheduler
	server    *http.Server

	closers []func() error
}

// New создаёт приложение. Внешние сервисы подключаются только если заданы в конфиге.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, clock: clock.NewSystem()}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	loc := cfg.Location()

	a.Store = service.NewScheduleStore(a.clock, logger,
		service.WithHoldDuration(cfg.ReservationHold),
		service.WithRetention(cfg.ReservationRetention),
		service.WithLocation(loc),
	)
	a.Availability = service.NewAvailabilityChecker(a.Store, a.clock, loc)

	a.source = schedule.NewCSVSource(cfg.ScheduleCSV, cfg.DefaultClassDuration, logger)
	if err := a.RefreshSchedule(ctx); err != nil {
		return fmt.Errorf("initial schedule load: %w", err)
	}

	bookingRepo, err := a.bookingRepository(ctx)
	if err != nil {
		return err
	}
	convStore, err := a.conversationStore(ctx)
	if err != nil {
		return err
	}
	pub, err := a.eventPublisher()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pub.Close)

	a.Bookings = service.NewBookingService(a.Store, a.calendarClient(), bookingRepo, pub, a.clock, cfg.CalendarTimeout, logger)
	if err := a.Bookings.RestoreCounts(ctx); err != nil {
		return err
	}

	router, err := a.intentRouter(ctx)
	if err != nil {
		return err
	}

	senders := messaging.NewRouter()
	if cfg.WhatsAppEnabled() {
		senders.Register(messaging.PrefixWhatsApp, messaging.NewWhatsAppClient(messaging.WhatsAppConfig{
			Token:         cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			APIVersion:    cfg.WhatsAppAPIVersion,
		}, logger))
	} else {
		logger.Warn("WhatsApp is not configured, replies are logged only")
		senders.Register(messaging.PrefixWhatsApp, messaging.NewLogSender(logger))
	}

	var tgBot *bot.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = bot.New(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		senders.Register(messaging.PrefixTelegram, messaging.NewTelegramSender(tgBot))
	}

	machine := conversation.NewMachine(conversation.Config{
		IdleTimeout:     cfg.ConversationIdleTimeout,
		MaxOfferedSlots: cfg.MaxOfferedSlots,
		HoldDuration:    cfg.ReservationHold,
		GymName:         cfg.GymName,
	})
	a.Engine = conversation.NewEngine(machine, conversation.EngineDeps{
		Store:    convStore,
		Router:   router,
		Slots:    a.Availability,
		Reserver: a.Store,
		Bookings: a.Bookings,
		Sender:   senders,
		FAQ:      conversation.NewStaticFAQ(cfg.GymName),
		Clock:    a.clock,
		Location: loc,
		Logger:   logger,
	}, cfg.ConversationRetention)

	if tgBot != nil {
		a.telegram = controller.NewBotController(tgBot, a.Engine, logger)
	}

	a.limiter = middleware.NewRateLimiter(cfg.WebhookRatePerMinute, logger)
	a.webhook = controller.NewWebhookHandler(context.WithoutCancel(ctx), a.Engine, cfg.WhatsAppVerifyToken, a.limiter, logger)

	a.scheduler = NewScheduler(logger,
		Task{Name: "reservation_expiry", Interval: cfg.ExpirySweepInterval, Run: a.SweepReservations},
		Task{Name: "idle_conversations", Interval: cfg.ExpirySweepInterval, Run: a.SweepConversations},
		Task{Name: "schedule_refresh", Interval: cfg.ScheduleRefreshInterval, Run: a.RefreshSchedule},
		Task{Name: "rate_limiter_cleanup", Interval: 10 * time.Minute, Run: func(context.Context) error {
			a.limiter.Cleanup(time.Now())
			return nil
		}},
	)

	return nil
}

func (a *App) bookingRepository(ctx context.Context) (service.BookingRepository, error) {
	if a.cfg.DBDSN == "" {
		a.logger.Warn("DB_DSN is not set, bookings are kept in memory")
		return repository.NewMemoryBookingRepository(), nil
	}

	pool, err := OpenPostgres(ctx, a.cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	migrator, err := NewMigrator(pool, a.logger)
	if err != nil {
		return nil, err
	}
	defer migrator.Close()
	if err := migrator.Run(ctx); err != nil {
		return nil, err
	}

	return repository.NewBookingRepository(pool), nil
}

func (a *App) conversationStore(ctx context.Context) (conversation.Store, error) {
	if a.cfg.RedisURL == "" {
		return state.NewManager(), nil
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.logger.Info("Conversation state stored in Redis", zap.String("addr", opts.Addr))

	ttl := a.cfg.ConversationIdleTimeout + a.cfg.ConversationRetention
	return repository.NewRedisConversationRepository(client, ttl), nil
}

func (a *App) eventPublisher() (publisher, error) {
	if a.cfg.AMQPURL == "" {
		return events.NewLogPublisher(a.logger), nil
	}
	return events.NewRabbitMQPublisher(a.cfg.AMQPURL, a.logger)
}

func (a *App) calendarClient() service.CalendarClient {
	if !a.cfg.GoogleCalendarEnabled() {
		a.logger.Warn("Google Calendar is not configured, using log calendar")
		return calendar.NewLogClient(a.logger)
	}
	return calendar.NewGoogleClient(calendar.GoogleConfig{
		ClientID:     a.cfg.GoogleClientID,
		ClientSecret: a.cfg.GoogleClientSecret,
		RefreshToken: a.cfg.GoogleRefreshToken,
		CalendarID:   a.cfg.GoogleCalendarID,
		Location:     a.cfg.Location(),
		GymName:      a.cfg.GymName,
	}, a.logger)
}

func (a *App) intentRouter(ctx context.Context) (intent.Router, error) {
	keywords := intent.NewKeywordRouter()
	if a.cfg.GeminiAPIKey == "" {
		return keywords, nil
	}

	client, err := intent.NewGeminiClient(ctx, a.cfg.GeminiAPIKey, a.cfg.GeminiModel)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return intent.NewGeminiRouter(client, keywords, a.logger), nil
}

// RefreshSchedule перечитывает CSV. При ошибке остаётся прежний снимок.
func (a *App) RefreshSchedule(ctx context.Context) error {
	slots, err := a.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", a.source.Path(), err)
	}
	return a.Store.Load(slots)
}

func (a *App) SweepReservations(_ context.Context) error {
	if n := a.Store.Sweep(a.clock.Now()); n > 0 {
		a.logger.Info("Expired reservations released", zap.Int("count", n))
	}
	return nil
}

func (a *App) SweepConversations(ctx context.Context) error {
	abandoned, evicted, err := a.Engine.SweepIdle(ctx)
	if abandoned > 0 || evicted > 0 {
		a.logger.Info("Idle conversations swept",
			zap.Int("abandoned", abandoned),
			zap.Int("evicted", evicted))
	}
	return err
}

// Handler HTTP обработчик вебхуков
func (a *App) Handler() http.Handler {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(a.logger))
	a.webhook.Register(router)
	return router
}

// Run запускает HTTP сервер, Telegram бота и фоновые задачи до отмены ctx
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.scheduler.Start(ctx)

	if a.telegram != nil {
		if err := a.telegram.RegisterHandlers(ctx); err != nil {
			a.logger.Warn("Telegram commands not set", zap.Error(err))
		}
		go a.telegram.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	a.logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	a.scheduler.Stop()
	a.webhook.Wait()

	return runErr
}

// Close освобождает соединения в обратном порядке
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenPostgres создаёт пул и проверяет соединение
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
