// Package ledger accumulates hourly PV and output energy for the current day.
package ledger

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hpema/axpert/internal/domain"
)

// Hours is the number of buckets per ledger.
const Hours = 24

// Ledger holds 24 hourly watt-hour buckets for PV and for output energy.
// Energy is integrated from consecutive status samples: the power of the
// previous sample, applied over the elapsed time, is credited to the hour the
// previous sample was taken in.
type Ledger struct {
	mu sync.RWMutex

	pv  [Hours]float64
	out [Hours]float64
	day int

	lastMinute int
	prevTime   time.Time
	prevPV     float64
	prevOut    float64
}

// New creates an empty ledger for the day of now.
func New(now time.Time) *Ledger {
	return &Ledger{
		day:        now.Day(),
		lastMinute: now.Minute(),
		prevTime:   now,
	}
}

// Restore seeds the buckets and the day marker from persisted state. A state
// without a day marker keeps the current one.
func (l *Ledger) Restore(state *State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for h := 0; h < Hours; h++ {
		key := strconv.Itoa(h)
		l.pv[h] = nonNegative(state.PV[key])
		l.out[h] = nonNegative(state.Out[key])
	}
	if state.Day != 0 {
		l.day = state.Day
	}
}

// Accumulate integrates the interval since the previous sample and records the
// current sample's power for the next interval.
func (l *Ledger) Accumulate(now time.Time, pvW, outW int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.prevTime).Hours()
	if elapsed > 0 {
		hour := l.prevTime.Hour()
		l.pv[hour] += l.prevPV * elapsed
		l.out[hour] += l.prevOut * elapsed
	}

	l.prevTime = now
	l.prevPV = float64(pvW)
	l.prevOut = float64(outW)
}

// RollDay zeroes every bucket when the day of now differs from the day
// marker. It returns the totals of the day that ended.
func (l *Ledger) RollDay(now time.Time) (domain.DailyEnergy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Day() == l.day {
		return domain.DailyEnergy{}, false
	}

	date := l.prevTime
	if date.Day() != l.day {
		date = now.AddDate(0, 0, -1)
	}

	ended := domain.DailyEnergy{
		Date:      time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()),
		PVHourly:  l.pv,
		OutHourly: l.out,
	}
	for h := 0; h < Hours; h++ {
		ended.PVWh += l.pv[h]
		ended.OutWh += l.out[h]
	}

	l.pv = [Hours]float64{}
	l.out = [Hours]float64{}
	l.day = now.Day()

	return ended, true
}

// MinuteChanged reports whether now is in a different minute than the last
// call that returned true.
func (l *Ledger) MinuteChanged(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Minute() == l.lastMinute {
		return false
	}
	l.lastMinute = now.Minute()
	return true
}

// Aggregates returns the published form of both ledgers: every bucket rounded
// to 3 decimals plus "total", the sum in kWh.
func (l *Ledger) Aggregates() (pv, out domain.Aggregate) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return aggregate(l.pv), aggregate(l.out)
}

// Totals returns the energy counted today in watt-hours.
func (l *Ledger) Totals() (pvWh, outWh float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for h := 0; h < Hours; h++ {
		pvWh += l.pv[h]
		outWh += l.out[h]
	}
	return pvWh, outWh
}

// Buckets returns a copy of the raw buckets.
func (l *Ledger) Buckets() (pv, out [Hours]float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.pv, l.out
}

// Day returns the day marker.
func (l *Ledger) Day() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.day
}

// State returns the persisted form of the ledger.
func (l *Ledger) State() *State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state := NewState(l.day)
	for h := 0; h < Hours; h++ {
		key := strconv.Itoa(h)
		state.PV[key] = l.pv[h]
		state.Out[key] = l.out[h]
	}
	return state
}

func aggregate(buckets [Hours]float64) domain.Aggregate {
	agg := make(domain.Aggregate, Hours+1)
	sum := 0.0
	for h, wh := range buckets {
		sum += wh
		agg[strconv.Itoa(h)] = round3(wh)
	}
	agg["total"] = round3(sum / 1000)
	return agg
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
