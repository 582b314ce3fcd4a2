package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpema/axpert/internal/domain"
)

func newTestRepository(t *testing.T, retention time.Duration) *Repository {
	t.Helper()

	repo, err := New(filepath.Join(t.TempDir(), "nested", "history.db"), retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sample(at time.Time, pvW int) *domain.Sample {
	return &domain.Sample{
		Status: domain.GeneralStatus{
			InputVoltage:   230.1,
			BatteryVoltage: 52.4,
			PVVoltage:      363.2,
			PVCurrent:      4,
			PVPower:        pvW,
			PVApparent:     1452.8,
			Charging:       1,
		},
		Mode:           domain.ModeBattery,
		PVEnergyToday:  1234.5,
		OutEnergyToday: 678.9,
		Time:           at,
	}
}

func TestRepository_SendAndReadings(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Connect())
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Send(ctx, sample(base.Add(time.Duration(i)*time.Minute), 800+i)))
	}

	readings, err := repo.Readings(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	latest := readings[0]
	assert.Equal(t, 802, latest.PVPower)
	assert.True(t, latest.Time.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "Battery", latest.Mode)
	assert.Equal(t, 52.4, latest.BatteryVoltage)
	assert.Equal(t, 1452.8, latest.PVApparent)
	assert.Equal(t, 1, latest.Charging)
	assert.Equal(t, 1234.5, latest.PVEnergyToday)

	limited, err := repo.Readings(ctx, base, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRepository_ReadingsAcrossZones(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()
	zone := time.FixedZone("SAST", 2*60*60)

	// 10:30 SAST is 08:30 UTC.
	require.NoError(t, repo.Send(ctx, sample(time.Date(2024, 6, 15, 10, 30, 0, 0, zone), 900)))

	readings, err := repo.Readings(ctx, time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Empty(t, readings)

	readings, err = repo.Readings(ctx, time.Date(2024, 6, 15, 10, 0, 0, 0, zone), 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 900, readings[0].PVPower)
}

func TestRepository_RecordDay(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	day := domain.DailyEnergy{
		Date:  time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC),
		PVWh:  5400,
		OutWh: 3100,
	}
	day.PVHourly[10] = 2000
	day.PVHourly[11] = 3400
	day.OutHourly[20] = 3100

	require.NoError(t, repo.RecordDay(ctx, day))

	days, err := repo.Days(ctx, 10)
	require.NoError(t, err)
	require.Len(t, days, 1)

	stored := days[0]
	assert.Equal(t, "2024-06-14", stored.Date)
	assert.Equal(t, 5400.0, stored.PVWh)
	assert.Equal(t, 3100.0, stored.OutWh)
	require.Len(t, stored.PVHourly, 24)
	assert.Equal(t, 3400.0, stored.PVHourly[11])
	assert.Equal(t, 3100.0, stored.OutHourly[20])
}

func TestRepository_RecordDayOverwrites(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()
	date := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordDay(ctx, domain.DailyEnergy{Date: date, PVWh: 100}))
	require.NoError(t, repo.RecordDay(ctx, domain.DailyEnergy{Date: date, PVWh: 200}))
	require.NoError(t, repo.RecordDay(ctx, domain.DailyEnergy{Date: date.AddDate(0, 0, 1), PVWh: 300}))

	days, err := repo.Days(ctx, 10)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-06-15", days[0].Date)
	assert.Equal(t, 200.0, days[1].PVWh)
}

func TestRepository_RetentionPrunesOnRecordDay(t *testing.T) {
	repo := newTestRepository(t, 48*time.Hour)
	ctx := context.Background()
	day := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Send(ctx, sample(day.AddDate(0, 0, -5), 100)))
	require.NoError(t, repo.Send(ctx, sample(day.AddDate(0, 0, -1), 200)))

	require.NoError(t, repo.RecordDay(ctx, domain.DailyEnergy{Date: day}))

	readings, err := repo.Readings(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 200, readings[0].PVPower)
}

func TestRepository_Prune(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Send(ctx, sample(base, 1)))
	require.NoError(t, repo.Send(ctx, sample(base.Add(time.Hour), 2)))

	removed, err := repo.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRepository_ImplementsInterfaces(t *testing.T) {
	var _ domain.MonitoringService = (*Repository)(nil)
	var _ domain.DayRecorder = (*Repository)(nil)
}
