package history

import (
	"time"

	"github.com/hpema/axpert/internal/domain"
)

const dateLayout = "2006-01-02"

// StoredReading is one general status sample persisted to the SQLite database.
type StoredReading struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Time              time.Time `gorm:"index" json:"time"`
	Mode              string    `json:"mode"`
	InputVoltage      float64   `json:"inV"`
	InputFrequency    float64   `json:"inHz"`
	OutputVoltage     float64   `json:"outV"`
	OutputFrequency   float64   `json:"outHz"`
	OutputApparent    int       `json:"outVa"`
	OutputPower       int       `json:"outW"`
	OutputLoad        int       `json:"outP"`
	BatteryChargeA    int       `json:"battAi"`
	BatteryDischargeA int       `json:"battAo"`
	BatteryVoltage    float64   `json:"battV"`
	BatteryCapacity   int       `json:"battP"`
	SCCBatteryVoltage float64   `json:"sccBattV"`
	PVCurrent         int       `json:"pvA"`
	PVVoltage         float64   `json:"pvV"`
	PVPower           int       `json:"pvW"`
	PVApparent        float64   `json:"pvVa"`
	Temperature       int       `json:"temp"`
	OnSolar           int       `json:"on_solar"`
	Charging          int       `json:"charging"`
	ChargeSCC         int       `json:"charge_scc"`
	ChargeAC          int       `json:"charge_ac"`
	PVEnergyToday     float64   `json:"pvWhToday"`  // Wh
	OutEnergyToday    float64   `json:"outWhToday"` // Wh
}

// StoredDay is the energy total of one finished day.
type StoredDay struct {
	Date      string    `gorm:"primaryKey" json:"date"` // YYYY-MM-DD
	PVWh      float64   `json:"pvWh"`
	OutWh     float64   `json:"outWh"`
	PVHourly  []float64 `gorm:"serializer:json" json:"pvHourly"`
	OutHourly []float64 `gorm:"serializer:json" json:"outHourly"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newStoredReading(sample *domain.Sample) StoredReading {
	s := sample.Status
	return StoredReading{
		Time:              sample.Time.UTC(),
		Mode:              sample.Mode.String(),
		InputVoltage:      s.InputVoltage,
		InputFrequency:    s.InputFrequency,
		OutputVoltage:     s.OutputVoltage,
		OutputFrequency:   s.OutputFrequency,
		OutputApparent:    s.OutputApparent,
		OutputPower:       s.OutputPower,
		OutputLoad:        s.OutputLoad,
		BatteryChargeA:    s.BatteryChargeA,
		BatteryDischargeA: s.BatteryDischargeA,
		BatteryVoltage:    s.BatteryVoltage,
		BatteryCapacity:   s.BatteryCapacity,
		SCCBatteryVoltage: s.SCCBatteryVoltage,
		PVCurrent:         s.PVCurrent,
		PVVoltage:         s.PVVoltage,
		PVPower:           s.PVPower,
		PVApparent:        s.PVApparent,
		Temperature:       s.Temperature,
		OnSolar:           s.OnSolar,
		Charging:          s.Charging,
		ChargeSCC:         s.ChargeSCC,
		ChargeAC:          s.ChargeAC,
		PVEnergyToday:     sample.PVEnergyToday,
		OutEnergyToday:    sample.OutEnergyToday,
	}
}

func newStoredDay(day domain.DailyEnergy) StoredDay {
	return StoredDay{
		Date:      day.Date.Format(dateLayout),
		PVWh:      day.PVWh,
		OutWh:     day.OutWh,
		PVHourly:  append([]float64(nil), day.PVHourly[:]...),
		OutHourly: append([]float64(nil), day.OutHourly[:]...),
	}
}
