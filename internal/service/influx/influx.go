// Package influx writes status samples and daily energy totals to InfluxDB.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/domain"
)

// httpTimeoutSeconds bounds a single write request.
const httpTimeoutSeconds = 10

// Client implements domain.MonitoringService and domain.DayRecorder for InfluxDB v2.
type Client struct {
	config *config.Config
	client influxdb2.Client
	writer api.WriteAPIBlocking
	logger zerolog.Logger
}

// NewClient creates a new InfluxDB client. No connection is made until Connect.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config: cfg,
		logger: log.With().Str("component", "influxdb").Logger(),
	}
}

// Connect creates the underlying client and write API.
func (c *Client) Connect() error {
	if c.config.InfluxDB.URL == "" {
		return fmt.Errorf("InfluxDB URL not configured")
	}

	options := influxdb2.DefaultOptions().SetHTTPRequestTimeout(httpTimeoutSeconds)
	c.client = influxdb2.NewClientWithOptions(c.config.InfluxDB.URL, c.config.InfluxDB.Token, options)
	c.writer = c.client.WriteAPIBlocking(c.config.InfluxDB.Org, c.config.InfluxDB.Bucket)

	c.logger.Info().
		Str("url", c.config.InfluxDB.URL).
		Str("bucket", c.config.InfluxDB.Bucket).
		Msg("InfluxDB client ready")
	return nil
}

// Send writes one point with every status field.
func (c *Client) Send(ctx context.Context, sample *domain.Sample) error {
	if c.writer == nil {
		return fmt.Errorf("InfluxDB client not connected")
	}

	s := sample.Status
	point := influxdb2.NewPointWithMeasurement(c.config.InfluxDB.Measurement).
		AddTag("device", c.config.InfluxDB.Device).
		AddTag("mode", sample.Mode.String()).
		AddField("input_voltage", s.InputVoltage).
		AddField("input_frequency", s.InputFrequency).
		AddField("output_voltage", s.OutputVoltage).
		AddField("output_frequency", s.OutputFrequency).
		AddField("output_va", s.OutputApparent).
		AddField("output_w", s.OutputPower).
		AddField("output_load", s.OutputLoad).
		AddField("battery_voltage", s.BatteryVoltage).
		AddField("battery_charge_a", s.BatteryChargeA).
		AddField("battery_discharge_a", s.BatteryDischargeA).
		AddField("battery_capacity", s.BatteryCapacity).
		AddField("scc_battery_voltage", s.SCCBatteryVoltage).
		AddField("pv_current", s.PVCurrent).
		AddField("pv_voltage", s.PVVoltage).
		AddField("pv_w", s.PVPower).
		AddField("pv_va", s.PVApparent).
		AddField("temperature", s.Temperature).
		AddField("on_solar", s.OnSolar).
		AddField("charging", s.Charging).
		AddField("charge_scc", s.ChargeSCC).
		AddField("charge_ac", s.ChargeAC).
		AddField("pv_wh_today", sample.PVEnergyToday).
		AddField("out_wh_today", sample.OutEnergyToday).
		SetTime(sample.Time)

	if err := c.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write status point: %w", err)
	}
	return nil
}

// RecordDay writes the totals of a finished day.
func (c *Client) RecordDay(ctx context.Context, day domain.DailyEnergy) error {
	if c.writer == nil {
		return fmt.Errorf("InfluxDB client not connected")
	}

	point := influxdb2.NewPointWithMeasurement(c.config.InfluxDB.Measurement+"_daily").
		AddTag("device", c.config.InfluxDB.Device).
		AddField("pv_wh", day.PVWh).
		AddField("out_wh", day.OutWh).
		SetTime(day.Date)

	if err := c.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write daily point: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
