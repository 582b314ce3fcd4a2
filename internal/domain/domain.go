// Package domain provides core domain models and interfaces for the axpert daemon
package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ModeStatus is the decoded reply to a mode query.
type ModeStatus struct {
	Mode Mode      `json:"mode"`
	Time time.Time `json:"-"`
}

// RatingInfo is the subset of the rating information reply the daemon publishes.
type RatingInfo struct {
	OutputSource OutputSource `json:"os"`
	ChargeSource ChargeSource `json:"cs"`
	Time         time.Time    `json:"-"`
}

// GeneralStatus is the decoded reply to a general status query.
// The JSON names are the wire names of the pigs topic.
type GeneralStatus struct {
	InputVoltage      float64 `json:"inV"`
	InputFrequency    float64 `json:"inHz"`
	OutputVoltage     float64 `json:"outV"`
	OutputFrequency   float64 `json:"outHz"`
	OutputApparent    int     `json:"outVa"`
	OutputPower       int     `json:"outW"`
	OutputLoad        int     `json:"outP"`
	BatteryChargeA    int     `json:"battAi"`
	BatteryDischargeA int     `json:"battAo"`
	BatteryVoltage    float64 `json:"battV"`
	BatteryCapacity   int     `json:"battP"`
	SCCBatteryVoltage float64 `json:"sccBattV"`
	PVCurrent         int     `json:"pvA"`
	PVVoltage         float64 `json:"pvV"`
	PVPower           int     `json:"pvW"`
	PVApparent        float64 `json:"pvVa"`
	Temperature       int     `json:"temp"`
	OnSolar           int     `json:"on_solar"`
	Charging          int     `json:"charging"`
	ChargeSCC         int     `json:"charge_scc"`
	ChargeAC          int     `json:"charge_ac"`

	Time time.Time `json:"-"`
}

// MarshalJSON writes the float fields with a decimal point, so 230 is sent as
// 230.0.
func (s GeneralStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		InputVoltage      json.Number `json:"inV"`
		InputFrequency    json.Number `json:"inHz"`
		OutputVoltage     json.Number `json:"outV"`
		OutputFrequency   json.Number `json:"outHz"`
		OutputApparent    int         `json:"outVa"`
		OutputPower       int         `json:"outW"`
		OutputLoad        int         `json:"outP"`
		BatteryChargeA    int         `json:"battAi"`
		BatteryDischargeA int         `json:"battAo"`
		BatteryVoltage    json.Number `json:"battV"`
		BatteryCapacity   int         `json:"battP"`
		SCCBatteryVoltage json.Number `json:"sccBattV"`
		PVCurrent         int         `json:"pvA"`
		PVVoltage         json.Number `json:"pvV"`
		PVPower           int         `json:"pvW"`
		PVApparent        json.Number `json:"pvVa"`
		Temperature       int         `json:"temp"`
		OnSolar           int         `json:"on_solar"`
		Charging          int         `json:"charging"`
		ChargeSCC         int         `json:"charge_scc"`
		ChargeAC          int         `json:"charge_ac"`
	}{
		InputVoltage:      floatNumber(s.InputVoltage),
		InputFrequency:    floatNumber(s.InputFrequency),
		OutputVoltage:     floatNumber(s.OutputVoltage),
		OutputFrequency:   floatNumber(s.OutputFrequency),
		OutputApparent:    s.OutputApparent,
		OutputPower:       s.OutputPower,
		OutputLoad:        s.OutputLoad,
		BatteryChargeA:    s.BatteryChargeA,
		BatteryDischargeA: s.BatteryDischargeA,
		BatteryVoltage:    floatNumber(s.BatteryVoltage),
		BatteryCapacity:   s.BatteryCapacity,
		SCCBatteryVoltage: floatNumber(s.SCCBatteryVoltage),
		PVCurrent:         s.PVCurrent,
		PVVoltage:         floatNumber(s.PVVoltage),
		PVPower:           s.PVPower,
		PVApparent:        floatNumber(s.PVApparent),
		Temperature:       s.Temperature,
		OnSolar:           s.OnSolar,
		Charging:          s.Charging,
		ChargeSCC:         s.ChargeSCC,
		ChargeAC:          s.ChargeAC,
	})
}

// Aggregate is the per-hour energy snapshot published every minute.
// Keys are "0".."23" in watt-hours plus "total" in kilowatt-hours.
type Aggregate map[string]float64

// Total returns the kWh total of the aggregate.
func (a Aggregate) Total() float64 {
	return a["total"]
}

// MarshalJSON writes every value with a decimal point.
func (a Aggregate) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	out := make(map[string]json.Number, len(a))
	for k, v := range a {
		out[k] = floatNumber(v)
	}
	return json.Marshal(out)
}

// floatNumber formats v in its shortest form, keeping a ".0" on whole values.
func floatNumber(v float64) json.Number {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return json.Number(s)
}

// Sample bundles a general status reading with the energy counted so far today.
type Sample struct {
	Status         GeneralStatus
	Mode           Mode
	PVEnergyToday  float64 // Wh
	OutEnergyToday float64 // Wh
	Time           time.Time
}

// DailyEnergy is the energy total of one finished day.
type DailyEnergy struct {
	Date      time.Time
	PVWh      float64
	OutWh     float64
	PVHourly  [24]float64
	OutHourly [24]float64
}

// Snapshot is a read-only view of the daemon state.
type Snapshot struct {
	StartTime    time.Time      `json:"startTime"`
	Counter      int            `json:"counter"`
	Ticks        uint64         `json:"ticks"`
	Failures     uint64         `json:"failures"`
	LastCommand  string         `json:"lastCommand,omitempty"`
	Mode         *ModeStatus    `json:"mode,omitempty"`
	Rating       *RatingInfo    `json:"rating,omitempty"`
	Status       *GeneralStatus `json:"status,omitempty"`
	StatusTime   time.Time      `json:"statusTime"`
	PVEnergy     Aggregate      `json:"pvw"`
	OutputEnergy Aggregate      `json:"outw"`
	Day          int            `json:"day"`
}

// MessagePublisher defines the interface for publishing decoded telemetry.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data encoded as JSON to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// PublishText sends a plain string payload to the specified topic
	PublishText(ctx context.Context, topic string, text string) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send forwards a general status sample to the monitoring service
	Send(ctx context.Context, sample *Sample) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// DayRecorder receives the energy totals of a day when the ledger rolls over.
type DayRecorder interface {
	RecordDay(ctx context.Context, day DailyEnergy) error
}

// SnapshotSource exposes the current daemon state.
type SnapshotSource interface {
	Snapshot() Snapshot
}
