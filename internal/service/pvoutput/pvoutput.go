// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/domain"
)

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Sample) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	lastUpdate time.Time
	mutex      sync.Mutex
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		logger:     log.With().Str("component", "pvoutput").Logger(),
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send posts a status update built from the sample: generation energy and
// power (v1, v2), consumption energy and power (v3, v4), temperature (v5) and
// output voltage (v6).
func (c *Client) Send(ctx context.Context, sample *domain.Sample) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	// A failed post also uses up the window, so a rejecting server is not
	// hit on every sample.
	if !c.claimUpdate() {
		return nil
	}

	ts := sample.Time
	if ts.IsZero() {
		ts = c.now()
	}
	status := sample.Status

	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)
	params.Set("d", ts.Format("20060102"))
	params.Set("t", ts.Format("15:04"))

	if sample.PVEnergyToday > 0 {
		params.Set("v1", strconv.FormatFloat(sample.PVEnergyToday, 'f', 0, 64))
	}
	params.Set("v2", strconv.Itoa(status.PVPower))

	if sample.OutEnergyToday > 0 {
		params.Set("v3", strconv.FormatFloat(sample.OutEnergyToday, 'f', 0, 64))
	}
	params.Set("v4", strconv.Itoa(status.OutputPower))

	if c.config.PVOutput.UseInverterTemp && status.Temperature > 0 {
		params.Set("v5", strconv.FormatFloat(float64(status.Temperature), 'f', 1, 64))
	}

	if status.OutputVoltage > 0 {
		params.Set("v6", strconv.FormatFloat(status.OutputVoltage, 'f', 1, 64))
	}

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.logger.Debug().
		Int("pv_w", status.PVPower).
		Int("out_w", status.OutputPower).
		Msg("Status posted")
	return nil
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.PVOutput.URL,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// claimUpdate reports whether the rate limit allows a post now and, if so,
// records the attempt.
func (c *Client) claimUpdate() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if !c.lastUpdate.IsZero() {
		updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
		if now.Sub(c.lastUpdate) < updateInterval {
			return false
		}
	}

	c.lastUpdate = now
	return true
}
