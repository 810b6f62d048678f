package batteryprofiletest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
)

// telemetrySource abstracts a single numeric telemetry stream for mock vs hardware implementations
type telemetrySource interface {
	Sample(ctx context.Context) (float64, error)
}

// powerSensorSource reads battery voltage from a Viam power sensor
type powerSensorSource struct {
	sensor powersensor.PowerSensor
}

func newPowerSensorSource(ps powersensor.PowerSensor) *powerSensorSource {
	return &powerSensorSource{sensor: ps}
}

func (s *powerSensorSource) Sample(ctx context.Context) (float64, error) {
	volts, _, err := s.sensor.Voltage(ctx, nil)
	if err != nil {
		return 0, err
	}
	return volts, nil
}

// readingsSource pulls one numeric key out of a generic sensor's readings
type readingsSource struct {
	sensor sensor.Sensor
	key    string
}

func newReadingsSource(s sensor.Sensor, key string) *readingsSource {
	if key == "" {
		key = "voltage"
	}
	return &readingsSource{sensor: s, key: key}
}

func (r *readingsSource) Sample(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, err
	}

	val, ok := readings[r.key]
	if !ok {
		return 0, fmt.Errorf("sensor readings missing %q key", r.key)
	}

	var f float64
	switch v := val.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, fmt.Errorf("sensor reading %q is not numeric: %T", r.key, val)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("sensor reading %q is not finite: %v", r.key, f)
	}
	return f, nil
}

const (
	mockFullVoltage  = 16.7
	mockEmptyVoltage = 13.2
)

// mockDischargeSource simulates a battery sagging linearly from full to empty over drainTime
type mockDischargeSource struct {
	mu        sync.Mutex
	started   time.Time
	drainTime time.Duration
	now       func() time.Time
}

func newMockDischargeSource(drainTime time.Duration) *mockDischargeSource {
	if drainTime <= 0 {
		drainTime = 2 * time.Hour
	}
	m := &mockDischargeSource{drainTime: drainTime, now: time.Now}
	m.started = m.now()
	return m
}

func (m *mockDischargeSource) Sample(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frac := float64(m.now().Sub(m.started)) / float64(m.drainTime)
	if frac > 1 {
		frac = 1
	}
	return mockFullVoltage - frac*(mockFullVoltage-mockEmptyVoltage), nil
}

// Recharge puts the simulated battery back to full
func (m *mockDischargeSource) Recharge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = m.now()
}
