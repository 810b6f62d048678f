package batteryprofiletest

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var ProfileSensor = resource.NewModel("viamdemo", "battery-profile-test", "profile-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ProfileSensor,
		resource.Registration[sensor.Sensor, *ProfileSensorConfig]{
			Constructor: newProfileSensor,
		},
	)
}

type ProfileSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *ProfileSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// profileSensor lets data capture record the battery profile test state.
type profileSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller stateProvider
}

func newProfileSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*ProfileSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("controller %q does not implement GetState", conf.Controller)
	}

	return &profileSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *profileSensor) Name() resource.Name {
	return s.name
}

func (s *profileSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.controller.GetState()
	// data capture only syncs while a test is running
	state["should_sync"] = state["state"] == runRunning.String()
	return state, nil
}

func (s *profileSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on profile-sensor")
}

func (s *profileSensor) Close(context.Context) error {
	return nil
}
