// Package binding is the byte-oriented entry point used by the C exports in
// cmd/libcac. Callers hand over UTF-8 encoded buffers; the package validates
// them, talks to the default cac factory and keeps the last error so foreign
// callers can fetch it after a failed call.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"cac-client/internal/cac"
)

var (
	// ErrInvalidUTF8 is returned when an input buffer is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("input is not valid UTF-8")
	// ErrEmptyInput is returned for empty tenant or host buffers.
	ErrEmptyInput = errors.New("input is empty")
)

// Status codes returned across the C boundary.
const (
	StatusOK    = 0
	StatusError = 1
)

// Binding owns a factory and the last error reported to foreign callers.
type Binding struct {
	factory *cac.Factory
	timeout time.Duration

	mu      sync.Mutex
	lastErr error
}

// New wraps factory; timeout bounds each client construction.
func New(factory *cac.Factory, timeout time.Duration) *Binding {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Binding{factory: factory, timeout: timeout}
}

var (
	defaultOnce    sync.Once
	defaultBinding *Binding
)

// Default returns the binding backed by cac.Default.
func Default() *Binding {
	defaultOnce.Do(func() {
		defaultBinding = New(cac.Default(), time.Minute)
	})
	return defaultBinding
}

func decodeText(name string, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrEmptyInput)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s: %w", name, ErrInvalidUTF8)
	}
	return string(raw), nil
}

// NewClient registers a polling client for tenant, polling hostName every
// frequency seconds. It returns StatusOK or StatusError.
func (b *Binding) NewClient(tenant []byte, frequency uint64, hostName []byte) int {
	return b.status(b.newClient(tenant, frequency, hostName))
}

func (b *Binding) newClient(tenantRaw []byte, frequency uint64, hostRaw []byte) error {
	tenant, err := decodeText("tenant", tenantRaw)
	if err != nil {
		return err
	}
	host, err := decodeText("hostname", hostRaw)
	if err != nil {
		return err
	}
	if frequency == 0 || frequency > uint64(time.Duration(1<<62)/time.Second) {
		return fmt.Errorf("frequency %d out of range: %w", frequency, cac.ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	_, err = b.factory.NewClient(ctx, tenant, time.Duration(frequency)*time.Second, host)
	return err
}

// ResolvedConfig returns the JSON config for tenant given a JSON query object.
// With showReasoning the applied contexts are added under "metadata"; a
// config that already has that key fails with cac.ErrReasoningConflict.
func (b *Binding) ResolvedConfig(tenant, query, prefixes, mergeStrategy []byte, showReasoning bool) ([]byte, int) {
	out, err := b.resolvedConfig(tenant, query, prefixes, mergeStrategy, showReasoning)
	return out, b.status(err)
}

func (b *Binding) resolvedConfig(tenantRaw, queryRaw, prefixRaw, strategyRaw []byte, showReasoning bool) ([]byte, error) {
	client, err := b.client(tenantRaw)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(queryRaw) || !utf8.Valid(prefixRaw) || !utf8.Valid(strategyRaw) {
		return nil, ErrInvalidUTF8
	}
	query := map[string]any{}
	if len(queryRaw) > 0 {
		if err := json.Unmarshal(queryRaw, &query); err != nil {
			return nil, fmt.Errorf("%w: %v", cac.ErrInvalidQuery, err)
		}
	}
	strategy, err := cac.ParseMergeStrategy(string(strategyRaw))
	if err != nil {
		return nil, err
	}

	config, applied, err := client.ResolveWithReasoning(query,
		cac.WithPrefixes(string(prefixRaw)),
		cac.WithMergeStrategy(strategy),
	)
	if err != nil {
		return nil, err
	}
	if showReasoning {
		if err := cac.AttachReasoning(config, applied); err != nil {
			return nil, err
		}
	}
	return json.Marshal(config)
}

// DefaultConfig returns the tenant's default configs as JSON.
func (b *Binding) DefaultConfig(tenant, prefixes []byte) ([]byte, int) {
	client, err := b.client(tenant)
	if err != nil {
		return nil, b.status(err)
	}
	out, err := json.Marshal(client.DefaultConfig(string(prefixes)))
	return out, b.status(err)
}

// LastModified returns the tenant's last-modified time in RFC 3339.
func (b *Binding) LastModified(tenant []byte) ([]byte, int) {
	client, err := b.client(tenant)
	if err != nil {
		return nil, b.status(err)
	}
	return []byte(client.LastModified().UTC().Format(time.RFC3339)), b.status(nil)
}

// FreeClient stops and drops the tenant's client.
func (b *Binding) FreeClient(tenant []byte) int {
	name, err := decodeText("tenant", tenant)
	if err != nil {
		return b.status(err)
	}
	return b.status(b.factory.Remove(name))
}

// LastError returns the error message of the most recent call, or "" when it succeeded.
func (b *Binding) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastErr == nil {
		return ""
	}
	return b.lastErr.Error()
}

func (b *Binding) client(raw []byte) (*cac.Client, error) {
	tenant, err := decodeText("tenant", raw)
	if err != nil {
		return nil, err
	}
	return b.factory.Get(tenant)
}

func (b *Binding) status(err error) int {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	if err != nil {
		logrus.WithError(err).Warn("cac binding call failed")
		return StatusError
	}
	return StatusOK
}
