// Package purge asks the edge cache to drop a deleted file's URL.
// Failures are logged and swallowed: purging is best-effort and never
// affects the enclosing request.
package purge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"driplet/internal/logging"
)

// Purger posts purge requests to a configured endpoint. A nil Purger (or
// one with an empty endpoint) disables purging.
type Purger struct {
	endpoint string
	token    string
	host     string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds Purger construction parameters.
type Config struct {
	// Endpoint receives the purge POST. Empty disables purging.
	Endpoint string

	// Token is sent as a bearer credential.
	Token string

	// Host is the canonical public host used to build file URLs.
	Host string

	Logger *slog.Logger
}

// New creates a Purger, or nil when no endpoint is configured.
func New(cfg Config) *Purger {
	if cfg.Endpoint == "" {
		return nil
	}
	return &Purger{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		host:     cfg.Host,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logging.Default(cfg.Logger).With("component", "purge"),
	}
}

// PurgeAsync fires a background purge for the public name. Returns
// immediately.
func (p *Purger) PurgeAsync(publicName string) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.purge(ctx, publicName); err != nil {
			p.logger.Warn("edge cache purge failed", "name", publicName, "error", err)
		}
	}()
}

func (p *Purger) purge(ctx context.Context, publicName string) error {
	body, err := json.Marshal(map[string]any{
		"files": []string{fmt.Sprintf("https://%s/f/%s", p.host, publicName)},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("purge endpoint returned %s", resp.Status)
	}
	return nil
}
