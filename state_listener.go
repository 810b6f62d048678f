package batteryprofiletest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// stateListener watches robot state events and fires onTerminal when the robot reports the
// terminal state (OFFLINE by default).
type stateListener struct {
	logger        logging.Logger
	terminalState string
	onTerminal    func(state string)

	mu        sync.Mutex
	lastState string
	events    int

	workers *goutils.StoppableWorkers
}

func newStateListener(terminalState string, onTerminal func(string), logger logging.Logger) *stateListener {
	if terminalState == "" {
		terminalState = "OFFLINE"
	}
	return &stateListener{
		logger:        logger,
		terminalState: terminalState,
		onTerminal:    onTerminal,
	}
}

// Deliver handles one robot state event. It may be called from any goroutine.
func (l *stateListener) Deliver(state string) {
	l.mu.Lock()
	prev := l.lastState
	l.lastState = state
	l.events++
	l.mu.Unlock()

	if prev != state {
		l.logger.Infof("robot state changed: %q -> %q", prev, state)
	}
	if strings.EqualFold(state, l.terminalState) && l.onTerminal != nil {
		l.onTerminal(state)
	}
}

func (l *stateListener) LastState() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastState
}

func (l *stateListener) EventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// Watch polls s for key every interval and delivers each value as a state event.
func (l *stateListener) Watch(s sensor.Sensor, key string, interval time.Duration) {
	if key == "" {
		key = "state"
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	l.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			state, err := readState(ctx, s, key)
			if err != nil {
				l.logger.Warnf("failed to read robot state: %v", err)
				continue
			}
			l.Deliver(state)
		}
	})
}

func readState(ctx context.Context, s sensor.Sensor, key string) (string, error) {
	readings, err := s.Readings(ctx, nil)
	if err != nil {
		return "", err
	}
	val, ok := readings[key]
	if !ok {
		return "", fmt.Errorf("sensor readings missing %q key", key)
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case bool:
		// online flag
		if v {
			return "ONLINE", nil
		}
		return "OFFLINE", nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (l *stateListener) Close() {
	if l.workers != nil {
		l.workers.Stop()
	}
}
