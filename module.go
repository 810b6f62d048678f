package batteryprofiletest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Controller = resource.NewModel("viamdemo", "battery-profile-test", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newBatteryProfileController,
		},
	)
}

type Config struct {
	Base             string  `json:"base"`                         // REQUIRED: base to rotate
	Battery          string  `json:"battery,omitempty"`            // power sensor (or sensor, with battery_key) to plot
	BatteryKey       string  `json:"battery_key,omitempty"`        // read this key from sensor readings instead of power sensor voltage
	BatteryTopic     string  `json:"battery_topic,omitempty"`      // plotted series name (default: "battery")
	UseMockBattery   bool    `json:"use_mock_battery,omitempty"`   // simulate a discharging battery instead of hardware
	RobotStateSensor string  `json:"robot_state_sensor,omitempty"` // sensor reporting the robot state
	StateKey         string  `json:"state_key,omitempty"`          // default: "state"
	OfflineState     string  `json:"offline_state,omitempty"`      // default: "OFFLINE"
	StatePollMs      int     `json:"state_poll_ms,omitempty"`      // default: 500
	AngularSpeed     float64 `json:"angular_speed_rads,omitempty"` // default: 1.2
	CommandRateHz    int     `json:"command_rate_hz,omitempty"`    // default: 10
	TurnPeriodSec    float64 `json:"turn_period_s,omitempty"`      // flip direction every period, 0 disables
	RunDurationSec   float64 `json:"run_duration_s,omitempty"`     // 0 runs until stopped
	SampleRateHz     int     `json:"sample_rate_hz,omitempty"`     // default: 5
	MaxSamples       int     `json:"max_samples,omitempty"`        // default: 10000
	PlotDir          string  `json:"plot_dir,omitempty"`           // write the profile PNG here on stop
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Base == "" {
		return nil, nil, fmt.Errorf("%s: base is required", path)
	}
	if cfg.Battery == "" && !cfg.UseMockBattery {
		return nil, nil, fmt.Errorf("%s: battery is required unless use_mock_battery is set", path)
	}
	if cfg.AngularSpeed < 0 {
		return nil, nil, fmt.Errorf("%s: angular_speed_rads must not be negative", path)
	}
	if cfg.TurnPeriodSec < 0 || cfg.RunDurationSec < 0 {
		return nil, nil, fmt.Errorf("%s: turn_period_s and run_duration_s must not be negative", path)
	}

	deps := []string{cfg.Base}
	if cfg.Battery != "" && !cfg.UseMockBattery {
		deps = append(deps, cfg.Battery)
	}
	if cfg.RobotStateSensor != "" {
		deps = append(deps, cfg.RobotStateSensor)
	}
	return deps, nil, nil
}

type runState int

const (
	runIdle runState = iota
	runRunning
)

func (s runState) String() string {
	if s == runRunning {
		return "running"
	}
	return "idle"
}

type batteryProfileController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	topic    string
	battery  telemetrySource
	motion   *rotateMotion
	plotter  *telemetryPlotter
	listener *stateListener

	// opMu serializes start and stop the way a single UI thread would
	opMu sync.Mutex

	mu             sync.Mutex
	state          runState
	startEnabled   bool
	stopEnabled    bool
	task           *motionTask
	runID          string
	runs           int
	lastStopReason string
	lastRunErr     error

	cancelCtx  context.Context
	cancelFunc func()
}

func newBatteryProfileController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	b, err := base.FromDependencies(deps, conf.Base)
	if err != nil {
		return nil, fmt.Errorf("getting base: %w", err)
	}

	battery, err := batterySource(deps, conf, logger)
	if err != nil {
		return nil, err
	}

	topic := conf.BatteryTopic
	if topic == "" {
		topic = "battery"
	}

	angularSpeed := conf.AngularSpeed
	if angularSpeed == 0 {
		angularSpeed = 1.2
	}

	commandRate := conf.CommandRateHz
	if commandRate <= 0 {
		commandRate = 10
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	c := &batteryProfileController{
		name:         name,
		logger:       logger,
		cfg:          conf,
		topic:        topic,
		battery:      battery,
		startEnabled: true,
		cancelCtx:    cancelCtx,
		cancelFunc:   cancelFunc,
	}

	c.motion = newRotateMotion(b, motionOptions{
		commandRate: time.Second / time.Duration(commandRate),
		turnPeriod:  time.Duration(conf.TurnPeriodSec * float64(time.Second)),
		runDuration: time.Duration(conf.RunDurationSec * float64(time.Second)),
	}, logger)
	c.motion.Init(angularSpeed)

	c.plotter = newTelemetryPlotter(conf.SampleRateHz, conf.MaxSamples, logger)

	c.listener = newStateListener(conf.OfflineState, func(state string) {
		c.logger.Warnf("robot reported %s, stopping battery profile test", state)
		c.handleStop("robot " + state)
	}, logger)

	if conf.RobotStateSensor != "" {
		stateSensor, err := sensor.FromDependencies(deps, conf.RobotStateSensor)
		if err != nil {
			c.plotter.Close()
			cancelFunc()
			return nil, fmt.Errorf("getting robot_state_sensor: %w", err)
		}
		c.listener.Watch(stateSensor, conf.StateKey, time.Duration(conf.StatePollMs)*time.Millisecond)
	}

	return c, nil
}

func batterySource(deps resource.Dependencies, conf *Config, logger logging.Logger) (telemetrySource, error) {
	switch {
	case conf.UseMockBattery:
		logger.Infof("battery-profile using mock discharge curve (use_mock_battery=true)")
		return newMockDischargeSource(0), nil
	case conf.BatteryKey != "":
		s, err := sensor.FromDependencies(deps, conf.Battery)
		if err != nil {
			return nil, fmt.Errorf("getting battery sensor: %w", err)
		}
		logger.Infof("battery-profile plotting sensor %q (key: %q)", conf.Battery, conf.BatteryKey)
		return newReadingsSource(s, conf.BatteryKey), nil
	default:
		ps, err := powersensor.FromDependencies(deps, conf.Battery)
		if err != nil {
			return nil, fmt.Errorf("getting battery power sensor: %w", err)
		}
		logger.Infof("battery-profile plotting voltage of %q", conf.Battery)
		return newPowerSensorSource(ps), nil
	}
}

func (c *batteryProfileController) Name() resource.Name {
	return c.name
}

func (c *batteryProfileController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return c.handleStart()
	case "stop":
		return c.handleStop("user"), nil
	case "status":
		return c.GetState(), nil
	case "set_angular_speed":
		return c.handleSetAngularSpeed(cmd)
	case "robot_state":
		return c.handleRobotState(cmd)
	case "render_plot":
		return c.handleRenderPlot(cmd)
	case "samples":
		return c.handleSamples()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (c *batteryProfileController) handleStart() (map[string]interface{}, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == runRunning {
		runID := c.runID
		c.mu.Unlock()
		c.logger.Debugf("start ignored, %s already running", runID)
		return map[string]interface{}{"state": runRunning.String(), "run_id": runID, "ignored": true}, nil
	}
	c.mu.Unlock()

	c.plotter.EnableTimer(true)
	if err := c.plotter.RemoveTopic(c.topic); err != nil && !errors.Is(err, errNotSubscribed) {
		return nil, err
	}
	if err := c.plotter.AddTopic(c.topic, c.battery); err != nil {
		return nil, err
	}
	if mock, ok := c.battery.(*mockDischargeSource); ok {
		mock.Recharge()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.runID = fmt.Sprintf("profile-%s-%d", time.Now().Format("20060102-150405"), c.runs)
	c.state = runRunning
	c.startEnabled = false
	c.stopEnabled = true
	c.lastRunErr = nil
	// the completion callback takes c.mu, so it cannot observe c.task before it is set
	c.task = startMotionTask(c.cancelCtx, c.motion.Execute, c.onMotionFinished)

	c.logger.Infof("battery profile %s started at %.3f rad/s", c.runID, c.motion.AngularSpeed())
	return map[string]interface{}{"state": runRunning.String(), "run_id": c.runID}, nil
}

// onMotionFinished runs on the task goroutine once the motion returns. Plotting continues
// until an explicit stop.
func (c *batteryProfileController) onMotionFinished(t *motionTask, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("battery profile motion failed: %v", err)
	}
	if c.task != t {
		return
	}
	c.lastRunErr = err
	c.setIdleLocked()
}

func (c *batteryProfileController) setIdleLocked() {
	c.state = runIdle
	c.startEnabled = true
	c.stopEnabled = false
}

// handleStop halts the motion straight to zero, waits for the motion task and stops plotting.
// Safe to call when idle and concurrently from the state listener.
func (c *batteryProfileController) handleStop(reason string) map[string]interface{} {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.motion.Stop()

	c.mu.Lock()
	t := c.task
	c.task = nil
	c.mu.Unlock()

	if t != nil {
		t.cancel()
		if err := t.wait(); err != nil {
			c.logger.Warnf("motion task ended with error: %v", err)
		}
	}

	c.plotter.EnableTimer(false)

	c.mu.Lock()
	wasRunning := t != nil
	runID := c.runID
	c.setIdleLocked()
	if wasRunning {
		c.lastStopReason = reason
	}
	c.mu.Unlock()

	result := map[string]interface{}{
		"state":  runIdle.String(),
		"run_id": runID,
	}
	if !wasRunning {
		return result
	}

	c.logger.Infof("battery profile %s stopped (%s)", runID, reason)
	if c.cfg.PlotDir != "" {
		path := filepath.Join(c.cfg.PlotDir, runID+".png")
		if err := c.plotter.RenderFile(path); err != nil {
			c.logger.Errorf("failed to write battery profile plot: %v", err)
		} else {
			result["plot"] = path
		}
	}
	return result
}

func (c *batteryProfileController) handleSetAngularSpeed(cmd map[string]interface{}) (map[string]interface{}, error) {
	speed, ok := cmd["angular_speed"].(float64)
	if !ok {
		return nil, fmt.Errorf("angular_speed must be a number")
	}
	if speed < 0 {
		return nil, fmt.Errorf("angular_speed must not be negative")
	}
	c.motion.Init(speed)
	c.logger.Infof("angular speed set to %.3f rad/s", speed)
	return map[string]interface{}{"angular_speed": speed}, nil
}

func (c *batteryProfileController) handleRobotState(cmd map[string]interface{}) (map[string]interface{}, error) {
	state, ok := cmd["state"].(string)
	if !ok || state == "" {
		return nil, fmt.Errorf("state must be a non-empty string")
	}
	c.listener.Deliver(state)
	return c.GetState(), nil
}

func (c *batteryProfileController) handleRenderPlot(cmd map[string]interface{}) (map[string]interface{}, error) {
	path, _ := cmd["path"].(string)
	if path == "" {
		if c.cfg.PlotDir == "" {
			return nil, fmt.Errorf("path is required when plot_dir is not configured")
		}
		c.mu.Lock()
		runID := c.runID
		c.mu.Unlock()
		if runID == "" {
			runID = "profile"
		}
		path = filepath.Join(c.cfg.PlotDir, runID+".png")
	}
	if err := c.plotter.RenderFile(path); err != nil {
		return nil, err
	}
	return map[string]interface{}{"plot": path}, nil
}

func (c *batteryProfileController) handleSamples() (map[string]interface{}, error) {
	series, err := c.plotter.Series(c.topic)
	if err != nil {
		if errors.Is(err, errNotSubscribed) {
			return map[string]interface{}{"topic": c.topic, "samples": []interface{}{}}, nil
		}
		return nil, err
	}
	out := make([]interface{}, len(series))
	for i, s := range series {
		out[i] = map[string]interface{}{"t": s.T, "value": s.Value}
	}
	return map[string]interface{}{"topic": c.topic, "samples": out}, nil
}

// GetState reports the test state for the profile sensor and the status command.
func (c *batteryProfileController) GetState() map[string]interface{} {
	c.mu.Lock()
	state := map[string]interface{}{
		"state":            c.state.String(),
		"run_id":           c.runID,
		"runs":             c.runs,
		"start_enabled":    c.startEnabled,
		"stop_enabled":     c.stopEnabled,
		"last_stop_reason": c.lastStopReason,
		"telemetry_topic":  c.topic,
	}
	if c.lastRunErr != nil {
		state["last_error"] = c.lastRunErr.Error()
	}
	c.mu.Unlock()

	state["angular_speed"] = c.motion.AngularSpeed()
	state["last_command"] = c.motion.LastCommand()
	state["timer_enabled"] = c.plotter.TimerEnabled()
	state["sample_count"] = c.plotter.SampleCount()
	state["robot_state"] = c.listener.LastState()
	return state
}

func (c *batteryProfileController) Close(ctx context.Context) error {
	c.listener.Close()
	c.handleStop("shutdown")
	c.plotter.Close()
	c.cancelFunc()
	return c.motion.Shutdown(ctx)
}
