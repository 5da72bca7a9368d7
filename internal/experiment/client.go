// Package experiment polls running experiments for a tenant and assigns
// requests to experiment variants.
package experiment

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"cac-client/internal/cac"
	"cac-client/internal/condition"
	"cac-client/internal/util"
)

const resourceExperiments = "experiments"

// ErrInvalidConfig is returned by New for unusable client settings.
var ErrInvalidConfig = errors.New("invalid experiment client config")

// Config drives experiment client behaviour.
type Config struct {
	Tenant    string
	Hostname  string
	Frequency time.Duration

	HTTPClient *http.Client
	Timeout    time.Duration
	PageSize   int
	Metrics    *cac.Metrics

	// InitialFetchTimeout bounds the retries of the first fetch in New.
	InitialFetchTimeout time.Duration
}

// Client caches the running experiments of one tenant.
type Client struct {
	tenant     string
	hostname   string
	frequency  time.Duration
	pageSize   int
	httpClient *http.Client
	metrics    *cac.Metrics

	mu          sync.RWMutex
	experiments []Experiment
	refreshedAt time.Time
}

// New validates cfg and loads the running experiments, retrying transient
// failures with exponential backoff until InitialFetchTimeout elapses.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.Tenant = strings.TrimSpace(cfg.Tenant)
	cfg.Hostname = strings.TrimRight(strings.TrimSpace(cfg.Hostname), "/")
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("%w: tenant is empty", ErrInvalidConfig)
	}
	if parsed, err := url.Parse(cfg.Hostname); err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: hostname %q must be an absolute URL", ErrInvalidConfig, cfg.Hostname)
	}
	if cfg.Frequency <= 0 {
		return nil, fmt.Errorf("%w: polling frequency must be positive", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.InitialFetchTimeout <= 0 {
		cfg.InitialFetchTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		tenant:     cfg.Tenant,
		hostname:   cfg.Hostname,
		frequency:  cfg.Frequency,
		pageSize:   cfg.PageSize,
		httpClient: httpClient,
		metrics:    cfg.Metrics,
	}
	if err := c.load(ctx, cfg.InitialFetchTimeout); err != nil {
		return nil, fmt.Errorf("initial experiments fetch for tenant %s: %w", cfg.Tenant, err)
	}
	return c, nil
}

func (c *Client) load(ctx context.Context, timeout time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = timeout

	operation := func() error {
		err := c.Refresh(ctx)
		var statusErr *cac.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenant": c.tenant,
			"retry":  wait,
		}).Warn("initial experiments fetch failed")
	}
	return backoff.RetryNotify(operation, backoff.WithContext(eb, ctx), notify)
}

// Tenant returns the tenant the client serves.
func (c *Client) Tenant() string { return c.tenant }

// Refresh replaces the cached experiments with the server's running set.
func (c *Client) Refresh(ctx context.Context) error {
	timer := util.StartTimer()
	experiments, err := c.fetchAll(ctx)
	if err != nil {
		c.metrics.ObserveFetch(resourceExperiments, c.tenant, cac.ResultError, timer.Elapsed())
		return err
	}
	c.metrics.ObserveFetch(resourceExperiments, c.tenant, cac.ResultUpdated, timer.Elapsed())

	now := time.Now().UTC()
	c.mu.Lock()
	c.experiments = experiments
	c.refreshedAt = now
	c.mu.Unlock()
	c.metrics.SetLastModified(resourceExperiments, c.tenant, now)

	logrus.WithFields(logrus.Fields{
		"tenant":      c.tenant,
		"experiments": len(experiments),
		"elapsed_ms":  timer.ElapsedMs(),
	}).Debug("experiments refreshed")
	return nil
}

func (c *Client) fetchAll(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	for page := int64(1); ; page++ {
		resp, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, exp := range resp.Data {
			if exp.Running() {
				out = append(out, exp)
			}
		}
		if page >= resp.TotalPages || len(resp.Data) == 0 {
			return out, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, page int64) (listResponse, error) {
	params := url.Values{}
	params.Set("page", strconv.FormatInt(page, 10))
	params.Set("count", strconv.Itoa(c.pageSize))
	params.Set("status", string(StatusCreated)+","+string(StatusInProgress))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hostname+"/experiments?"+params.Encode(), nil)
	if err != nil {
		return listResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-tenant", c.tenant)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return listResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return listResponse{}, &cac.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return listResponse{}, fmt.Errorf("decode experiments response: %w", err)
	}
	return payload, nil
}

// Run refreshes every Frequency until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).WithField("tenant", c.tenant).Warn("poll experiments")
			}
		}
	}
}

// Experiments returns a copy of the cached running experiments.
func (c *Client) Experiments() []Experiment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Experiment(nil), c.experiments...)
}

// RefreshedAt reports when the cache was last replaced.
func (c *Client) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// SatisfiedExperiments returns the running experiments whose context holds for query.
func (c *Client) SatisfiedExperiments(query map[string]any) ([]Experiment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Experiment
	for _, exp := range c.experiments {
		ok, err := condition.Evaluate(exp.Context, query)
		if err != nil {
			return nil, fmt.Errorf("evaluate experiment %s: %w", exp.ID, err)
		}
		if ok {
			out = append(out, exp)
		}
	}
	return out, nil
}

// ApplicableVariants returns the variant ids that query and toss select
// across all satisfied experiments.
func (c *Client) ApplicableVariants(query map[string]any, toss int) ([]string, error) {
	experiments, err := c.SatisfiedExperiments(query)
	if err != nil {
		return nil, err
	}
	variants := []string{}
	for _, exp := range experiments {
		if v, ok := DecideVariant(exp.TrafficPercentage, exp.Variants, toss); ok {
			variants = append(variants, v.ID)
		}
	}
	return variants, nil
}
