package userservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ecolift/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrUnavailable = errors.New("user service unavailable")
	ErrNotFound    = errors.New("user not found")
)

// Profile is the subset of a user record this service needs.
type Profile struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty"`
	FCMToken string `json:"fcmToken,omitempty"`
}

// Client looks up customer and collector profiles. Calls go through a circuit
// breaker so a failing user service is skipped quickly instead of timing out
// on every lookup.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "userservice",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
		logger:  logger,
	}
}

func (c *Client) Customer(ctx context.Context, id string) (*Profile, error) {
	var body struct {
		Customer *Profile `json:"customer"`
	}
	if err := c.get(ctx, "/api/users/customer/requested/"+url.PathEscape(id), &body); err != nil {
		return nil, err
	}
	if body.Customer == nil {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, id)
	}
	return body.Customer, nil
}

func (c *Client) Collector(ctx context.Context, id string) (*Profile, error) {
	var body struct {
		Collector *Profile `json:"collector"`
	}
	if err := c.get(ctx, "/api/users/collectors/requested/"+url.PathEscape(id), &body); err != nil {
		return nil, err
	}
	if body.Collector == nil {
		return nil, fmt.Errorf("%w: collector %s", ErrNotFound, id)
	}
	return body.Collector, nil
}

// Collectors lists every registered collector.
func (c *Client) Collectors(ctx context.Context) ([]Profile, error) {
	var body struct {
		Collectors []Profile `json:"collectors"`
	}
	if err := c.get(ctx, "/api/users/collectors/all", &body); err != nil {
		return nil, err
	}
	return body.Collectors, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no base URL configured", ErrUnavailable)
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, out)
	})
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	// open or half-open breaker rejections
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) do(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("User service returned an error",
			zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", snippet))
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
