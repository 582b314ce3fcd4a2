// Package metrics exposes the daemon state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hpema/axpert/internal/domain"
)

const namespace = "axpert"

// statusGauge maps one general status field to a gauge.
type statusGauge struct {
	desc  *prometheus.Desc
	value func(s *domain.GeneralStatus) float64
}

func newStatusGauge(name, help string, value func(s *domain.GeneralStatus) float64) statusGauge {
	return statusGauge{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

// Collector implements prometheus.Collector over a daemon snapshot.
type Collector struct {
	source domain.SnapshotSource

	status []statusGauge

	mode            *prometheus.Desc
	rating          *prometheus.Desc
	energyToday     *prometheus.Desc
	energyHour      *prometheus.Desc
	ticks           *prometheus.Desc
	failures        *prometheus.Desc
	counter         *prometheus.Desc
	statusTimestamp *prometheus.Desc
}

// NewCollector creates a collector reading from source on every scrape.
func NewCollector(source domain.SnapshotSource) *Collector {
	return &Collector{
		source: source,
		status: []statusGauge{
			newStatusGauge("grid_voltage_volts", "Grid input voltage", func(s *domain.GeneralStatus) float64 { return s.InputVoltage }),
			newStatusGauge("grid_frequency_hertz", "Grid input frequency", func(s *domain.GeneralStatus) float64 { return s.InputFrequency }),
			newStatusGauge("output_voltage_volts", "AC output voltage", func(s *domain.GeneralStatus) float64 { return s.OutputVoltage }),
			newStatusGauge("output_frequency_hertz", "AC output frequency", func(s *domain.GeneralStatus) float64 { return s.OutputFrequency }),
			newStatusGauge("output_apparent_power_va", "AC output apparent power", func(s *domain.GeneralStatus) float64 { return float64(s.OutputApparent) }),
			newStatusGauge("output_power_watts", "AC output active power", func(s *domain.GeneralStatus) float64 { return float64(s.OutputPower) }),
			newStatusGauge("output_load_percent", "Output load in percent of rating", func(s *domain.GeneralStatus) float64 { return float64(s.OutputLoad) }),
			newStatusGauge("battery_charge_current_amperes", "Battery charging current", func(s *domain.GeneralStatus) float64 { return float64(s.BatteryChargeA) }),
			newStatusGauge("battery_discharge_current_amperes", "Battery discharge current", func(s *domain.GeneralStatus) float64 { return float64(s.BatteryDischargeA) }),
			newStatusGauge("battery_voltage_volts", "Battery voltage", func(s *domain.GeneralStatus) float64 { return s.BatteryVoltage }),
			newStatusGauge("battery_capacity_percent", "Battery capacity", func(s *domain.GeneralStatus) float64 { return float64(s.BatteryCapacity) }),
			newStatusGauge("scc_battery_voltage_volts", "Battery voltage seen by the solar charge controller", func(s *domain.GeneralStatus) float64 { return s.SCCBatteryVoltage }),
			newStatusGauge("pv_current_amperes", "PV input current", func(s *domain.GeneralStatus) float64 { return float64(s.PVCurrent) }),
			newStatusGauge("pv_voltage_volts", "PV input voltage", func(s *domain.GeneralStatus) float64 { return s.PVVoltage }),
			newStatusGauge("pv_power_watts", "PV charging power", func(s *domain.GeneralStatus) float64 { return float64(s.PVPower) }),
			newStatusGauge("pv_apparent_power_va", "PV voltage times PV current", func(s *domain.GeneralStatus) float64 { return s.PVApparent }),
			newStatusGauge("temperature_celsius", "Inverter heat sink temperature", func(s *domain.GeneralStatus) float64 { return float64(s.Temperature) }),
			newStatusGauge("on_solar", "Load is on solar (1=yes, 0=no)", func(s *domain.GeneralStatus) float64 { return float64(s.OnSolar) }),
			newStatusGauge("charging", "Battery is charging (1=yes, 0=no)", func(s *domain.GeneralStatus) float64 { return float64(s.Charging) }),
			newStatusGauge("charging_scc", "Battery is charging from solar (1=yes, 0=no)", func(s *domain.GeneralStatus) float64 { return float64(s.ChargeSCC) }),
			newStatusGauge("charging_ac", "Battery is charging from grid (1=yes, 0=no)", func(s *domain.GeneralStatus) float64 { return float64(s.ChargeAC) }),
		},
		mode: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "mode_info"),
			"Current inverter mode, always 1",
			[]string{"mode"},
			nil,
		),
		rating: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rating_info"),
			"Configured source priorities, always 1",
			[]string{"output_source", "charge_source"},
			nil,
		),
		energyToday: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "energy_today_kwh"),
			"Energy counted since midnight",
			[]string{"ledger"},
			nil,
		),
		energyHour: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "energy_hour_wh"),
			"Energy counted in one hour of the current day",
			[]string{"ledger", "hour"},
			nil,
		),
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ticks_total"),
			"Polling ticks run since start",
			nil,
			nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tick_failures_total"),
			"Polling ticks that failed since start",
			nil,
			nil,
		),
		counter: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scheduler_counter"),
			"Position of the polling cycle",
			nil,
			nil,
		),
		statusTimestamp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "status_timestamp_seconds"),
			"Unix time of the last decoded general status",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.status {
		ch <- g.desc
	}
	ch <- c.mode
	ch <- c.rating
	ch <- c.energyToday
	ch <- c.energyHour
	ch <- c.ticks
	ch <- c.failures
	ch <- c.counter
	ch <- c.statusTimestamp
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(snap.Ticks))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(snap.Failures))
	ch <- prometheus.MustNewConstMetric(c.counter, prometheus.GaugeValue, float64(snap.Counter))

	if snap.Mode != nil {
		ch <- prometheus.MustNewConstMetric(c.mode, prometheus.GaugeValue, 1, snap.Mode.Mode.String())
	}
	if snap.Rating != nil {
		ch <- prometheus.MustNewConstMetric(c.rating, prometheus.GaugeValue, 1,
			snap.Rating.OutputSource.String(), snap.Rating.ChargeSource.String())
	}

	if snap.Status != nil {
		for _, g := range c.status {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(snap.Status))
		}
		ch <- prometheus.MustNewConstMetric(c.statusTimestamp, prometheus.GaugeValue, float64(snap.StatusTime.Unix()))
	}

	c.collectEnergy(ch, "pv", snap.PVEnergy)
	c.collectEnergy(ch, "output", snap.OutputEnergy)
}

func (c *Collector) collectEnergy(ch chan<- prometheus.Metric, ledger string, agg domain.Aggregate) {
	if agg == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.energyToday, prometheus.GaugeValue, agg.Total(), ledger)
	for hour, wh := range agg {
		if hour == "total" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.energyHour, prometheus.GaugeValue, wh, ledger, hour)
	}
}
