package cac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxDocumentBytes caps the size of a config response.
const maxDocumentBytes = 32 << 20

// StatusError reports a non-success HTTP status from the CAC server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("cac server status %d", e.StatusCode)
	}
	return fmt.Sprintf("cac server status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type fetchResult struct {
	doc          Document
	payload      []byte
	lastModified time.Time
	version      string
	notModified  bool
}

func (c *Client) fetch(ctx context.Context, since time.Time) (fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hostname+"/config", nil)
	if err != nil {
		return fetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-tenant", c.tenant)
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return fetchResult{notModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fetchResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return fetchResult{}, fmt.Errorf("read config response: %w", err)
	}
	doc, err := decodeDocument(payload)
	if err != nil {
		return fetchResult{}, err
	}

	result := fetchResult{
		doc:     doc,
		payload: payload,
		version: strings.TrimSpace(resp.Header.Get("x-config-version")),
	}
	if raw := resp.Header.Get("Last-Modified"); raw != "" {
		if parsed, err := http.ParseTime(raw); err == nil {
			result.lastModified = parsed.UTC()
		}
	}
	if result.version == "" {
		result.version = contentVersion(payload)
	}
	return result, nil
}

func decodeDocument(payload []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, fmt.Errorf("decode config response: %w", err)
	}
	if err := doc.validate(); err != nil {
		return Document{}, fmt.Errorf("decode config response: %w", err)
	}
	return doc, nil
}

// validate rejects documents without default_configs and fills in empty overrides.
func (d *Document) validate() error {
	if d.DefaultConfigs == nil {
		return errors.New("default_configs missing")
	}
	if d.Overrides == nil {
		d.Overrides = map[string]map[string]any{}
	}
	return nil
}

// contentVersion derives a version from the payload when the server sends none.
func contentVersion(payload []byte) string {
	return "xx-" + strconv.FormatUint(xxhash.Sum64(payload), 16)
}
