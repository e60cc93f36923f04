package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://www.googleapis.com/calendar/v3"
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	calendarScope  = "https://www.googleapis.com/auth/calendar.events"

	maxAttempts       = 2
	defaultRetryDelay = 300 * time.Millisecond
)

// GoogleConfig параметры доступа к Google Calendar
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string
	Location     *time.Location
	GymName      string
}

// GoogleClient создаёт и удаляет события в Google Calendar через REST API v3.
// Все вызовы проходят через circuit breaker.
type GoogleClient struct {
	httpClient *http.Client
	baseURL    string
	calendarID string
	loc        *time.Location
	gymName    string
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *zap.Logger
}

// NewGoogleClient создаёт клиент, который обновляет access token по refresh token
func NewGoogleClient(cfg GoogleConfig, logger *zap.Logger) *GoogleClient {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: googleTokenURL,
		},
		Scopes: []string{calendarScope},
	}
	source := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})

	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &oauth2.Transport{
			Base:   http.DefaultTransport,
			Source: oauth2.ReuseTokenSource(nil, source),
		},
	}
	return NewGoogleClientWithHTTP(httpClient, defaultBaseURL, cfg, logger)
}

// NewGoogleClientWithHTTP создаёт клиент с готовым HTTP клиентом и адресом API
func NewGoogleClientWithHTTP(httpClient *http.Client, baseURL string, cfg GoogleConfig, logger *zap.Logger) *GoogleClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &GoogleClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		calendarID: cfg.CalendarID,
		loc:        cfg.Location,
		gymName:    cfg.GymName,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "google-calendar",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, model.ErrEventNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// WithRetryDelay задаёт паузу между повторными попытками
func (c *GoogleClient) WithRetryDelay(d time.Duration) *GoogleClient {
	c.retryDelay = d
	return c
}

type googleEvent struct {
	ID          string `json:"id,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Start       struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone,omitempty"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone,omitempty"`
	} `json:"end"`
	ExtendedProperties struct {
		Private map[string]string `json:"private,omitempty"`
	} `json:"extendedProperties,omitempty"`
}

// CreateEvent создаёт событие пробного занятия и возвращает его ID.
// ID события генерируется заранее, поэтому повтор после таймаута не создаёт дубликат.
func (c *GoogleClient) CreateEvent(ctx context.Context, slot model.SlotRef, contact model.ContactInfo) (string, error) {
	event, err := c.toGoogleEvent(slot, contact)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	id, err := c.breaker.Execute(func() (string, error) {
		return event.ID, c.withRetry(ctx, func() error {
			return c.insertEvent(ctx, body)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("calendar unavailable: %w", err)
		}
		return "", err
	}

	c.logger.Info("Calendar event created",
		zap.String("calendar_event_id", id),
		zap.String("slot", slot.String()))
	return id, nil
}

// CancelEvent удаляет событие. Отсутствующее событие возвращает model.ErrEventNotFound.
func (c *GoogleClient) CancelEvent(ctx context.Context, eventID string) error {
	_, err := c.breaker.Execute(func() (string, error) {
		return "", c.withRetry(ctx, func() error {
			return c.deleteEvent(ctx, eventID)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("calendar unavailable: %w", err)
		}
		return err
	}

	c.logger.Info("Calendar event deleted", zap.String("calendar_event_id", eventID))
	return nil
}

func (c *GoogleClient) toGoogleEvent(slot model.SlotRef, contact model.ContactInfo) (googleEvent, error) {
	start, end, err := slot.Window(c.loc)
	if err != nil {
		return googleEvent{}, fmt.Errorf("slot window: %w", err)
	}

	event := googleEvent{
		// base32hex: uuid без дефисов подходит
		ID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		Summary: fmt.Sprintf("Trial class: %s (%s)", slot.ClassType, contact.Name),
	}
	event.Description = fmt.Sprintf("Name: %s\nPhone: %s", contact.Name, contact.Phone)
	if c.gymName != "" {
		event.Description = c.gymName + "\n" + event.Description
	}
	event.Start.DateTime = start.Format(time.RFC3339)
	event.Start.TimeZone = c.loc.String()
	event.End.DateTime = end.Format(time.RFC3339)
	event.End.TimeZone = c.loc.String()
	event.ExtendedProperties.Private = map[string]string{
		"trial_booking": "1",
		"slot":          slot.String(),
	}
	return event, nil
}

func (c *GoogleClient) insertEvent(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, c.calendarID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retryable(err)
	}
	defer resp.Body.Close()

	// 409: событие с этим ID уже создано предыдущей попыткой
	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return responseError(resp)
}

func (c *GoogleClient) deleteEvent(ctx context.Context, eventID string) error {
	url := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, c.calendarID, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ErrEventNotFound
	}
	return responseError(resp)
}

// withRetry повторяет вызов при сетевых ошибках и ответах 5xx
func (c *GoogleClient) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		var re *retryableError
		if err == nil || !errors.As(err, &re) || attempt == maxAttempts {
			break
		}
		c.logger.Debug("Retrying calendar request", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	var re *retryableError
	if errors.As(err, &re) {
		return re.err
	}
	return err
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error {
	return &retryableError{err: err}
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("calendar request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return retryable(err)
	}
	return err
}
