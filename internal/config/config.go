package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"ENV"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	GymName     string `mapstructure:"GYM_NAME"`
	Timezone    string `mapstructure:"TIMEZONE"`

	// Хранилища. Пустые значения включают in-memory режим.
	DBDSN    string `mapstructure:"DB_DSN"`
	RedisURL string `mapstructure:"REDIS_URL"`
	AMQPURL  string `mapstructure:"AMQP_URL"`

	ScheduleCSV             string        `mapstructure:"SCHEDULE_CSV"`
	ScheduleRefreshInterval time.Duration `mapstructure:"SCHEDULE_REFRESH_INTERVAL"`
	DefaultClassDuration    time.Duration `mapstructure:"DEFAULT_CLASS_DURATION"`

	ReservationHold         time.Duration `mapstructure:"RESERVATION_HOLD"`
	ReservationRetention    time.Duration `mapstructure:"RESERVATION_RETENTION"`
	ExpirySweepInterval     time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	ConversationIdleTimeout time.Duration `mapstructure:"CONVERSATION_IDLE_TIMEOUT"`
	ConversationRetention   time.Duration `mapstructure:"CONVERSATION_RETENTION"`
	MaxOfferedSlots         int           `mapstructure:"MAX_OFFERED_SLOTS"`

	WhatsAppToken         string `mapstructure:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppVerifyToken   string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppAPIVersion    string `mapstructure:"WHATSAPP_API_VERSION"`
	WebhookRatePerMinute  int    `mapstructure:"WEBHOOK_RATE_PER_MINUTE"`

	TelegramToken string `mapstructure:"TELEGRAM_TOKEN"`

	GoogleClientID     string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string        `mapstructure:"GOOGLE_REFRESH_TOKEN"`
	GoogleCalendarID   string        `mapstructure:"GOOGLE_CALENDAR_ID"`
	CalendarTimeout    time.Duration `mapstructure:"CALENDAR_TIMEOUT"`

	GeminiAPIKey string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel  string `mapstructure:"GEMINI_MODEL"`
}

var defaults = map[string]any{
	"ENV":                       "development",
	"HTTP_ADDR":                 ":8080",
	"GYM_NAME":                  "our gym",
	"TIMEZONE":                  "UTC",
	"DB_DSN":                    "",
	"REDIS_URL":                 "",
	"AMQP_URL":                  "",
	"SCHEDULE_CSV":              "data/schedule.csv",
	"SCHEDULE_REFRESH_INTERVAL": "5m",
	"DEFAULT_CLASS_DURATION":    "1h",
	"RESERVATION_HOLD":          "10m",
	"RESERVATION_RETENTION":     "1h",
	"EXPIRY_SWEEP_INTERVAL":     "30s",
	"CONVERSATION_IDLE_TIMEOUT": "30m",
	"CONVERSATION_RETENTION":    "24h",
	"MAX_OFFERED_SLOTS":         5,
	"WHATSAPP_TOKEN":            "",
	"WHATSAPP_PHONE_NUMBER_ID":  "",
	"WHATSAPP_VERIFY_TOKEN":     "",
	"WHATSAPP_API_VERSION":      "v18.0",
	"WEBHOOK_RATE_PER_MINUTE":   30,
	"TELEGRAM_TOKEN":            "",
	"GOOGLE_CLIENT_ID":          "",
	"GOOGLE_CLIENT_SECRET":      "",
	"GOOGLE_REFRESH_TOKEN":      "",
	"GOOGLE_CALENDAR_ID":        "primary",
	"CALENDAR_TIMEOUT":          "20s",
	"GEMINI_API_KEY":            "",
	"GEMINI_MODEL":              "gemini-1.5-flash",
}

// Load читает .env (если есть) и переменные окружения
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return FromViper(viper.New())
}

// FromViper собирает конфигурацию из переданного экземпляра viper
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	if c.ScheduleCSV == "" {
		errs = append(errs, errors.New("SCHEDULE_CSV is required"))
	}
	for name, d := range map[string]time.Duration{
		"RESERVATION_HOLD":          c.ReservationHold,
		"EXPIRY_SWEEP_INTERVAL":     c.ExpirySweepInterval,
		"CONVERSATION_IDLE_TIMEOUT": c.ConversationIdleTimeout,
		"DEFAULT_CLASS_DURATION":    c.DefaultClassDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxOfferedSlots <= 0 {
		errs = append(errs, errors.New("MAX_OFFERED_SLOTS must be positive"))
	}

	// WhatsApp включается только целиком
	if c.WhatsAppToken != "" || c.WhatsAppPhoneNumberID != "" {
		if c.WhatsAppToken == "" || c.WhatsAppPhoneNumberID == "" || c.WhatsAppVerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_TOKEN, WHATSAPP_PHONE_NUMBER_ID and WHATSAPP_VERIFY_TOKEN must be set together"))
		}
	}
	if c.GoogleRefreshToken != "" && (c.GoogleClientID == "" || c.GoogleClientSecret == "") {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required with GOOGLE_REFRESH_TOKEN"))
	}
	if c.IsProduction() && c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppToken != "" && c.WhatsAppPhoneNumberID != ""
}

func (c *Config) GoogleCalendarEnabled() bool {
	return c.GoogleRefreshToken != ""
}
