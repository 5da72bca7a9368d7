// Package cac is a Go client for a Context-Aware-Config server. A Client keeps
// one tenant's config document in memory, polls the server for changes and
// resolves the config that applies to a set of dimensions.
package cac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"cac-client/internal/store"
	"cac-client/internal/util"
)

const resourceConfig = "config"

var (
	// ErrInvalidConfig is returned by New for unusable client settings.
	ErrInvalidConfig = errors.New("invalid cac client config")
	// ErrInvalidQuery is returned for malformed resolve inputs.
	ErrInvalidQuery = errors.New("invalid cac query")
	// ErrClientNotFound is returned by Factory.Get for unknown tenants.
	ErrClientNotFound = errors.New("cac client not found")
)

// SnapshotStore keeps the last fetched document so a client can start while
// the server is unreachable.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot store.Snapshot) error
	LatestSnapshot(ctx context.Context, tenant string) (store.Snapshot, error)
}

// Config drives client behaviour.
type Config struct {
	Tenant    string
	Hostname  string
	Frequency time.Duration

	HTTPClient          *http.Client
	Timeout             time.Duration
	InitialFetchTimeout time.Duration
	Store               SnapshotStore
	Metrics             *Metrics
}

// Update is published to subscribers whenever the document changes.
type Update struct {
	Tenant       string    `json:"tenant"`
	Version      string    `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// Client holds one tenant's config document.
type Client struct {
	tenant     string
	hostname   string
	frequency  time.Duration
	httpClient *http.Client
	store      SnapshotStore
	metrics    *Metrics

	mu           sync.RWMutex
	doc          Document
	version      string
	lastModified time.Time

	subMu       sync.Mutex
	subscribers map[chan Update]struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and fetches the tenant's document. If the server cannot
// be reached before InitialFetchTimeout, the latest stored snapshot is used
// instead; without one New fails.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		tenant:      cfg.Tenant,
		hostname:    cfg.Hostname,
		frequency:   cfg.Frequency,
		httpClient:  httpClient,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		subscribers: make(map[chan Update]struct{}),
	}

	err := c.load(ctx, cfg.InitialFetchTimeout)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"tenant":    c.tenant,
			"host":      c.hostname,
			"frequency": c.frequency,
			"version":   c.Version(),
		}).Info("cac client initialised")
		return c, nil
	}
	if restored := c.restore(ctx); restored {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenant":  c.tenant,
			"version": c.Version(),
		}).Warn("cac server unreachable, starting from stored snapshot")
		return c, nil
	}
	return nil, fmt.Errorf("initial config fetch for tenant %s: %w", cfg.Tenant, err)
}

func (cfg *Config) normalize() error {
	cfg.Tenant = strings.TrimSpace(cfg.Tenant)
	cfg.Hostname = strings.TrimRight(strings.TrimSpace(cfg.Hostname), "/")

	if cfg.Tenant == "" {
		return fmt.Errorf("%w: tenant is empty", ErrInvalidConfig)
	}
	if !utf8.ValidString(cfg.Tenant) {
		return fmt.Errorf("%w: tenant is not valid UTF-8", ErrInvalidConfig)
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("%w: hostname is empty", ErrInvalidConfig)
	}
	if !utf8.ValidString(cfg.Hostname) {
		return fmt.Errorf("%w: hostname is not valid UTF-8", ErrInvalidConfig)
	}
	parsed, err := url.Parse(cfg.Hostname)
	if err != nil {
		return fmt.Errorf("%w: hostname: %v", ErrInvalidConfig, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: hostname %q must be an absolute http(s) URL", ErrInvalidConfig, cfg.Hostname)
	}
	if cfg.Frequency <= 0 {
		return fmt.Errorf("%w: polling frequency must be positive", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialFetchTimeout <= 0 {
		cfg.InitialFetchTimeout = 30 * time.Second
	}
	return nil
}

func (c *Client) load(ctx context.Context, timeout time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = timeout

	operation := func() error {
		_, err := c.Refresh(ctx)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenant": c.tenant,
			"retry":  wait,
		}).Warn("initial config fetch failed")
	}
	return backoff.RetryNotify(operation, backoff.WithContext(eb, ctx), notify)
}

func (c *Client) restore(ctx context.Context) bool {
	if c.store == nil {
		return false
	}
	snapshot, err := c.store.LatestSnapshot(ctx, c.tenant)
	if err != nil {
		if !errors.Is(err, store.ErrSnapshotNotFound) {
			logrus.WithError(err).WithField("tenant", c.tenant).Warn("load stored snapshot")
		}
		return false
	}
	var doc Document
	if err = snapshot.Decode(&doc); err == nil {
		err = doc.validate()
	}
	if err != nil {
		logrus.WithError(err).WithField("tenant", c.tenant).Warn("decode stored snapshot")
		return false
	}
	c.apply(doc, snapshot.Version, snapshot.LastModified)
	return true
}

// Refresh polls the server once. It reports whether the document changed.
func (c *Client) Refresh(ctx context.Context) (bool, error) {
	c.mu.RLock()
	since := c.lastModified
	c.mu.RUnlock()

	timer := util.StartTimer()
	result, err := c.fetch(ctx, since)
	if err != nil {
		c.metrics.ObserveFetch(resourceConfig, c.tenant, ResultError, timer.Elapsed())
		return false, err
	}
	if result.notModified {
		c.metrics.ObserveFetch(resourceConfig, c.tenant, ResultNotModified, timer.Elapsed())
		logrus.WithField("tenant", c.tenant).Debug("config not modified")
		return false, nil
	}
	c.metrics.ObserveFetch(resourceConfig, c.tenant, ResultUpdated, timer.Elapsed())

	changed := c.apply(result.doc, result.version, result.lastModified)
	if changed {
		c.persist(ctx, result)
		c.publish()
		logrus.WithFields(logrus.Fields{
			"tenant":        c.tenant,
			"version":       result.version,
			"last_modified": result.lastModified,
			"contexts":      len(result.doc.Contexts),
			"elapsed_ms":    timer.ElapsedMs(),
		}).Info("config updated")
	}
	return changed, nil
}

func (c *Client) apply(doc Document, version string, lastModified time.Time) bool {
	c.mu.Lock()
	changed := version != c.version
	c.doc = doc
	c.version = version
	if !lastModified.IsZero() {
		c.lastModified = lastModified
	}
	current := c.lastModified
	c.mu.Unlock()

	c.metrics.SetLastModified(resourceConfig, c.tenant, current)
	return changed
}

func (c *Client) persist(ctx context.Context, result fetchResult) {
	if c.store == nil {
		return
	}
	snapshot := store.Snapshot{
		Tenant:       c.tenant,
		Version:      result.version,
		LastModified: result.lastModified,
		Payload:      string(result.payload),
		FetchedAt:    time.Now().UTC(),
	}
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenant":  c.tenant,
			"version": result.version,
		}).Warn("save config snapshot")
	}
}

// Run polls the server every Frequency until ctx is done. Failed polls are
// logged and the last good document stays in place.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.frequency)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"tenant":    c.tenant,
		"frequency": c.frequency,
	}).Debug("config polling started")
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("tenant", c.tenant).Debug("config polling stopped")
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).WithField("tenant", c.tenant).Warn("poll config")
			}
		}
	}
}

// Start runs the polling loop in the background until Close is called or ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		c.Run(runCtx)
	}()
}

// Close stops background polling and closes every subscription.
func (c *Client) Close() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.subMu.Lock()
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
	}
	c.subMu.Unlock()
}

// Subscribe returns a channel of document updates and a func to stop receiving them.
// A subscriber that falls behind misses updates rather than stalling the poller.
func (c *Client) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Client) publish() {
	update := Update{Tenant: c.tenant, Version: c.Version(), LastModified: c.LastModified()}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- update:
		default:
			logrus.WithField("tenant", c.tenant).Debug("dropping config update for slow subscriber")
		}
	}
}

// Tenant returns the tenant the client serves.
func (c *Client) Tenant() string { return c.tenant }

// Hostname returns the CAC server base URL.
func (c *Client) Hostname() string { return c.hostname }

// Frequency returns the polling interval.
func (c *Client) Frequency() time.Duration { return c.frequency }

// Version returns the version of the current document.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// LastModified returns the server's last-modified time for the current document.
func (c *Client) LastModified() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastModified
}

// Document returns a deep copy of the current document.
func (c *Client) Document() Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Clone()
}

// Resolve returns the config that applies to query.
func (c *Client) Resolve(query map[string]any, opts ...ResolveOption) (map[string]any, error) {
	config, _, err := c.ResolveWithReasoning(query, opts...)
	return config, err
}

// ResolveWithReasoning returns the config that applies to query together with
// the contexts that produced it, in the order they were applied.
func (c *Client) ResolveWithReasoning(query map[string]any, opts ...ResolveOption) (map[string]any, []AppliedContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Resolve(query, opts...)
}

// DefaultConfig returns the default configs, optionally filtered by key prefix.
func (c *Client) DefaultConfig(prefixes ...string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.DefaultConfig(prefixes...)
}
