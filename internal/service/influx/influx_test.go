package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/domain"
)

type writeCapture struct {
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func (w *writeCapture) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/write", r.URL.Path)
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		w.mu.Lock()
		w.bodies = append(w.bodies, string(body))
		w.query = r.URL.RawQuery
		status := w.status
		w.mu.Unlock()

		if status == 0 {
			status = http.StatusNoContent
		}
		rw.WriteHeader(status)
	}
}

func newTestClient(t *testing.T, capture *writeCapture) *Client {
	server := httptest.NewServer(capture.handler(t))
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.InfluxDB.Enabled = true
	cfg.InfluxDB.URL = server.URL
	cfg.InfluxDB.Token = "secret"
	cfg.InfluxDB.Org = "home"
	cfg.InfluxDB.Bucket = "solar"

	client := NewClient(cfg)
	require.NoError(t, client.Connect())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSend(t *testing.T) {
	capture := &writeCapture{}
	client := newTestClient(t, capture)

	sample := &domain.Sample{
		Status: domain.GeneralStatus{
			OutputVoltage: 230.0,
			OutputPower:   119,
			PVPower:       856,
			PVApparent:    1453.2,
			OnSolar:       1,
		},
		Mode:          domain.ModeBattery,
		PVEnergyToday: 1500,
		Time:          time.Unix(1718452800, 0),
	}

	require.NoError(t, client.Send(context.Background(), sample))

	require.Len(t, capture.bodies, 1)
	line := capture.bodies[0]
	assert.Contains(t, line, "axpert,device=axpert,mode=Battery ")
	assert.Contains(t, line, "pv_w=856i")
	assert.Contains(t, line, "pv_va=1453.2")
	assert.Contains(t, line, "output_voltage=230")
	assert.Contains(t, line, "on_solar=1i")
	assert.Contains(t, line, "pv_wh_today=1500")
	assert.Contains(t, line, "1718452800000000000")
	assert.Contains(t, capture.query, "bucket=solar")
	assert.Contains(t, capture.query, "org=home")
}

func TestRecordDay(t *testing.T) {
	capture := &writeCapture{}
	client := newTestClient(t, capture)

	day := domain.DailyEnergy{
		Date:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		PVWh:  12345.5,
		OutWh: 6789,
	}
	require.NoError(t, client.RecordDay(context.Background(), day))

	require.Len(t, capture.bodies, 1)
	assert.Contains(t, capture.bodies[0], "axpert_daily,device=axpert ")
	assert.Contains(t, capture.bodies[0], "pv_wh=12345.5")
	assert.Contains(t, capture.bodies[0], "out_wh=6789")
}

func TestSendServerError(t *testing.T) {
	capture := &writeCapture{status: http.StatusUnauthorized}
	client := newTestClient(t, capture)

	err := client.Send(context.Background(), &domain.Sample{Time: time.Now()})
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	client := NewClient(config.DefaultConfig())

	assert.Error(t, client.Send(context.Background(), &domain.Sample{}))
	assert.Error(t, client.RecordDay(context.Background(), domain.DailyEnergy{}))
	assert.NoError(t, client.Close())
}

func TestConnectWithoutURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.InfluxDB.URL = ""

	assert.Error(t, NewClient(cfg).Connect())
}
