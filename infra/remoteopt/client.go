// Package remoteopt implements the HTTP transport for the external
// optimization service.
package remoteopt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	coreopt "github.com/fdcrail/railsched/core/remoteopt"
	"github.com/fdcrail/railsched/infra/logger"
)

// Config defines the connection parameters for the optimization service.
type Config struct {
	Enabled        bool    `json:"enabled"`
	URL            string  `json:"url"`
	TimeoutMinutes int     `json:"timeout_minutes"`
	MinConfidence  float64 `json:"min_confidence"`
	Tolerance      int     `json:"tolerance"`
}

// SetDefaults fills unset fields. The round trip is expected to take minutes,
// not seconds.
func (c *Config) SetDefaults() {
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = 3
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.15
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 2
	}
}

// Client posts the optimization state to the service and decodes the reply.
type Client struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// NewClient builds a Client from its configuration.
func NewClient(cfg Config, log logger.Logger) *Client {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Client{
		url:    cfg.URL,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMinutes) * time.Minute},
		log:    log,
	}
}

// Optimize implements remoteopt.Optimizer. Transport failures and malformed
// payloads come back as errors; the caller downgrades them to "no
// suggestion".
func (c *Client) Optimize(ctx context.Context, req *coreopt.Request) (*coreopt.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Debugf("remoteopt: posting %d trains, %d conflicts", len(req.Trains), len(req.Conflicts))
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("optimization service: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.log.Warnf("remoteopt: close body: %v", err)
		}
	}()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("optimization service: status %d", httpResp.StatusCode)
	}

	var resp coreopt.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
