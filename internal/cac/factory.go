package cac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Factory keeps one polling Client per tenant.
type Factory struct {
	base Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory returns a factory whose clients inherit the shared settings of
// base (HTTP client, timeouts, store, metrics). Tenant, Hostname and
// Frequency in base are ignored.
func NewFactory(base Config) *Factory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		base:    base,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}
}

var (
	defaultFactoryOnce sync.Once
	defaultFactory     *Factory
)

// Default returns the process-wide factory.
func Default() *Factory {
	defaultFactoryOnce.Do(func() {
		defaultFactory = NewFactory(Config{})
	})
	return defaultFactory
}

// NewClient returns the tenant's client, creating it and starting its
// polling loop when none is registered yet.
func (f *Factory) NewClient(ctx context.Context, tenant string, frequency time.Duration, hostname string) (*Client, error) {
	tenant = strings.TrimSpace(tenant)
	f.mu.Lock()
	if existing, ok := f.clients[tenant]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.mu.Unlock()

	cfg := f.base
	cfg.Tenant = tenant
	cfg.Frequency = frequency
	cfg.Hostname = hostname
	client, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if existing, ok := f.clients[tenant]; ok {
		f.mu.Unlock()
		// another caller won the race
		client.Close()
		return existing, nil
	}
	f.clients[tenant] = client
	f.mu.Unlock()

	client.Start(f.ctx)
	logrus.WithFields(logrus.Fields{
		"tenant":    tenant,
		"host":      client.Hostname(),
		"frequency": frequency,
	}).Info("cac client registered")
	return client, nil
}

// Get returns the registered client for tenant.
func (f *Factory) Get(tenant string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[strings.TrimSpace(tenant)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, tenant)
	}
	return client, nil
}

// Remove stops and drops the tenant's client.
func (f *Factory) Remove(tenant string) error {
	tenant = strings.TrimSpace(tenant)
	f.mu.Lock()
	client, ok := f.clients[tenant]
	delete(f.clients, tenant)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, tenant)
	}
	client.Close()
	return nil
}

// Tenants lists the registered tenants in sorted order.
func (f *Factory) Tenants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.clients))
	for tenant := range f.clients {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// Close stops every client.
func (f *Factory) Close() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[string]*Client)
	f.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	f.cancel()
}
