package batteryprofiletest

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	rdkutils "go.viam.com/rdk/utils"
)

var errMotionShutdown = errors.New("motion has been shut down")

// velocityCommander is the part of a Viam base the rotation test drives.
type velocityCommander interface {
	SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error
	Stop(ctx context.Context, extra map[string]interface{}) error
}

type motionOptions struct {
	commandRate time.Duration
	turnPeriod  time.Duration // 0 keeps a single direction
	runDuration time.Duration // 0 runs until stopped
}

// rotateMotion spins the base in place at a fixed angular speed until stopped.
type rotateMotion struct {
	logger logging.Logger
	base   velocityCommander
	opts   motionOptions

	mu           sync.Mutex
	angularSpeed float64 // rad/s
	stopped      bool
	shutdown     bool
	lastAngular  float64
	commandCount int
}

func newRotateMotion(base velocityCommander, opts motionOptions, logger logging.Logger) *rotateMotion {
	if opts.commandRate <= 0 {
		opts.commandRate = 100 * time.Millisecond
	}
	return &rotateMotion{
		logger: logger,
		base:   base,
		opts:   opts,
	}
}

// Init sets the angular speed used by the next Execute. It does not move the base.
func (m *rotateMotion) Init(angularSpeed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.angularSpeed = angularSpeed
}

func (m *rotateMotion) AngularSpeed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.angularSpeed
}

// LastCommand returns the most recent angular velocity sent to the base, in rad/s.
func (m *rotateMotion) LastCommand() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAngular
}

func (m *rotateMotion) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commandCount
}

// Execute rotates until Stop, ctx cancellation or the configured run duration.
// The base is always left with a zero velocity command.
func (m *rotateMotion) Execute(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return errMotionShutdown
	}
	m.stopped = false
	speed := m.angularSpeed
	m.mu.Unlock()

	defer m.publishZero(context.Background())

	m.logger.Infof("rotating at %.3f rad/s", speed)

	started := time.Now()
	ticker := time.NewTicker(m.opts.commandRate)
	defer ticker.Stop()

	direction := 1.0
	lastFlip := started
	for {
		if m.opts.turnPeriod > 0 && time.Since(lastFlip) >= m.opts.turnPeriod {
			direction = -direction
			lastFlip = time.Now()
		}

		ok, err := m.publish(ctx, direction*speed)
		if err != nil {
			return errors.Wrap(err, "sending rotation command")
		}
		if !ok {
			return nil
		}

		if m.opts.runDuration > 0 && time.Since(started) >= m.opts.runDuration {
			m.logger.Infof("rotation finished after %v", m.opts.runDuration)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// publish sends a non-zero command unless a stop has been requested. It holds the lock
// across the call so a concurrent Stop always lands after it.
func (m *rotateMotion) publish(ctx context.Context, angular float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || ctx.Err() != nil {
		return false, nil
	}
	if err := m.sendLocked(ctx, angular); err != nil {
		return false, err
	}
	return true, nil
}

func (m *rotateMotion) sendLocked(ctx context.Context, angular float64) error {
	err := m.base.SetVelocity(ctx, r3.Vector{}, r3.Vector{Z: rdkutils.RadToDeg(angular)}, nil)
	if err != nil {
		return err
	}
	m.lastAngular = angular
	m.commandCount++
	return nil
}

// publishZero leaves the base at rest unless Shutdown has already released it.
func (m *rotateMotion) publishZero(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	if err := m.sendLocked(ctx, 0); err != nil {
		m.logger.Errorf("failed to send zero velocity: %v", err)
	}
}

// Stop halts the rotation straight to zero. Safe to call repeatedly and from any goroutine.
func (m *rotateMotion) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if err := m.sendLocked(context.Background(), 0); err != nil {
		m.logger.Errorf("failed to send zero velocity: %v", err)
	}
}

// Shutdown stops the base and releases it; Execute fails afterwards.
func (m *rotateMotion) Shutdown(ctx context.Context) error {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil
	}
	m.shutdown = true
	return m.base.Stop(ctx, nil)
}
