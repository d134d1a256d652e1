package weatherapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL      = "http://api.weatherapi.com/v1"
	DefaultForecastDays = 3
)

var ErrEmptyAPIKey = errors.New("weatherapi api key is empty")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("weatherapi bad status: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("weatherapi bad status: %s", e.Status)
}

type Client struct {
	baseURL      string
	apiKey       string
	city         string
	forecastDays int
	client       *http.Client
}

type ClientConfig struct {
	BaseURL      string
	APIKey       string
	City         string
	ForecastDays int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	days := cfg.ForecastDays
	if days <= 0 {
		days = DefaultForecastDays
	}
	// Zero means no client timeout; requests are bounded by ctx only.
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		city:         cfg.City,
		forecastDays: days,
		client:       httpClient,
	}
}

func (c *Client) City() string {
	return c.city
}

// Current fetches current conditions for the configured city.
func (c *Client) Current(ctx context.Context) (*CurrentResponse, error) {
	var payload CurrentResponse
	if err := c.get(ctx, "current.json", nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Forecast fetches a days-long forecast; days <= 0 uses the client default.
func (c *Client) Forecast(ctx context.Context, days int) (*ForecastResponse, error) {
	if days <= 0 {
		days = c.forecastDays
	}

	extra := url.Values{}
	extra.Set("days", strconv.Itoa(days))

	var payload ForecastResponse
	if err := c.get(ctx, "forecast.json", extra, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Ping checks that the key is accepted and the city resolves.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Current(ctx)
	return err
}

func (c *Client) get(ctx context.Context, endpoint string, extra url.Values, out any) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return ErrEmptyAPIKey
	}
	if strings.TrimSpace(c.city) == "" {
		return fmt.Errorf("weatherapi location is empty")
	}

	query := url.Values{}
	query.Set("key", c.apiKey)
	query.Set("q", c.city)
	for k, vs := range extra {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("weatherapi request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("weatherapi request failed: %w", redactKey(err, c.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil {
			statusErr.Message = apiErr.Error.Message
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("weatherapi decode: %w", err)
	}
	return nil
}

// redactKey keeps the credential out of url.Error messages, which quote
// the full request URL.
func redactKey(err error, key string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{
			Op:  urlErr.Op,
			URL: strings.ReplaceAll(urlErr.URL, url.QueryEscape(key), "REDACTED"),
			Err: urlErr.Err,
		}
	}
	return err
}
