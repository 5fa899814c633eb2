package valuation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/navid-fn/txradar/internal/aggregate"
	"github.com/navid-fn/txradar/internal/faulttolerance"
	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/models"
)

var (
	// ErrRateLimited means the rate service answered 429.
	ErrRateLimited = errors.New("rate service: rate limited")

	// ErrNoRate means the service is healthy but has no rate for the pair and hour.
	ErrNoRate = errors.New("rate service: no rate")

	// ErrRateUnavailable means the lookup gave up: retries exhausted or breaker open.
	ErrRateUnavailable = errors.New("rate service unavailable")

	errTransient = errors.New("rate service: transient failure")
)

// RateSource resolves the price of one unit of from in to at a point in time.
type RateSource interface {
	Rate(ctx context.Context, from, to string, ts float64) (float64, error)
}

type RatesConfig struct {
	BaseURL           string
	Timeout           time.Duration
	MaxAttempts       int
	RequestsPerSecond float64

	// BaseDelay is the first retry backoff.
	BaseDelay time.Duration

	// BreakerFailures consecutive failed lookups open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// RatesClient queries GET {BaseURL}/rate?pair=A_B&date=<hour>.
type RatesClient struct {
	config  RatesConfig
	client  *http.Client
	limiter *rate.Limiter
	retryer *faulttolerance.Retryer
	breaker *gobreaker.CircuitBreaker[float64]
	logger  *slog.Logger
}

func NewRatesClient(config RatesConfig, logger *slog.Logger) *RatesClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	logger = logger.With("component", "rates")

	retryCfg := faulttolerance.DefaultRetryConfig("rates")
	retryCfg.MaxAttempts = config.MaxAttempts
	retryCfg.BaseDelay = config.BaseDelay
	retryCfg.RetryableErrors = []error{ErrRateLimited, errTransient}

	breaker := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "rates",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoRate) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &RatesClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		retryer: faulttolerance.NewRetryer(retryCfg, logger),
		breaker: breaker,
		logger:  logger,
	}
}

// PairDate returns the pair and hour-truncated date strings sent for a lookup.
func PairDate(from, to string, ts float64) (pair, date string) {
	hour := aggregate.Hour.Truncate(int64(ts))
	return strings.ToUpper(from) + "_" + strings.ToUpper(to), models.ISODate(float64(hour))
}

// Rate looks up the from->to rate for the hour containing ts. Transient
// failures are retried with backoff; ErrNoRate is returned as is.
func (c *RatesClient) Rate(ctx context.Context, from, to string, ts float64) (float64, error) {
	pair, date := PairDate(from, to, ts)

	r, err := c.breaker.Execute(func() (float64, error) {
		var out float64
		err := c.retryer.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.fetch(ctx, pair, date)
			return err
		})
		return out, err
	})

	switch {
	case err == nil:
		metrics.RateLookupsTotal.WithLabelValues("ok").Inc()
		return r, nil
	case errors.Is(err, ErrNoRate):
		metrics.RateLookupsTotal.WithLabelValues("no_rate").Inc()
		return 0, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RateLookupsTotal.WithLabelValues("open").Inc()
		return 0, fmt.Errorf("%w: %w", ErrRateUnavailable, err)
	case ctx.Err() != nil:
		return 0, ctx.Err()
	default:
		metrics.RateLookupsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("%w: %s on %s: %w", ErrRateUnavailable, pair, date, err)
	}
}

type rateResponse struct {
	Rate  any    `json:"rate"`
	Error string `json:"error"`
}

func (c *RatesClient) fetch(ctx context.Context, pair, date string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("pair", pair)
	q.Set("date", date)
	u := strings.TrimRight(c.config.BaseURL, "/") + "/rate?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: read body: %v", errTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, ErrRateLimited
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%w: status %d", ErrNoRate, resp.StatusCode)
	}

	var out rateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("%w: malformed response: %v", ErrNoRate, err)
	}
	return parseRate(out)
}

// parseRate accepts {"rate": 1.5} and {"rate": "1.5"}.
func parseRate(r rateResponse) (float64, error) {
	var v float64
	switch x := r.Rate.(type) {
	case float64:
		v = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: rate %q", ErrNoRate, x)
		}
		v = f
	default:
		if r.Error != "" {
			return 0, fmt.Errorf("%w: %s", ErrNoRate, r.Error)
		}
		return 0, fmt.Errorf("%w: missing rate", ErrNoRate)
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: rate %v", ErrNoRate, v)
	}
	return v, nil
}
