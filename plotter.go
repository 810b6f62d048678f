package batteryprofiletest

import (
	"context"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	errAlreadySubscribed = errors.New("topic already subscribed")
	errNotSubscribed     = errors.New("topic not subscribed")
)

const plotTitle = "Battery Profile"

// sample is one plotted point, T in seconds since the timer was enabled.
type sample struct {
	T     float64 `json:"t"`
	Value float64 `json:"value"`
}

type topicSeries struct {
	source  telemetrySource
	samples []sample
}

// telemetryPlotter samples subscribed topics on a timer and renders them as a live chart.
type telemetryPlotter struct {
	logger     logging.Logger
	interval   time.Duration
	maxSamples int

	mu           sync.Mutex
	topics       map[string]*topicSeries
	timerEnabled bool
	startTime    time.Time
	now          func() time.Time

	workers *goutils.StoppableWorkers
}

func newTelemetryPlotter(sampleRateHz, maxSamples int, logger logging.Logger) *telemetryPlotter {
	if sampleRateHz <= 0 {
		sampleRateHz = 5
	}
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	p := &telemetryPlotter{
		logger:     logger,
		interval:   time.Second / time.Duration(sampleRateHz),
		maxSamples: maxSamples,
		topics:     make(map[string]*topicSeries),
		now:        time.Now,
	}
	p.workers = goutils.NewBackgroundStoppableWorkers(p.samplingLoop)
	return p
}

// AddTopic begins sampling source under name.
func (p *telemetryPlotter) AddTopic(name string, source telemetrySource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.topics[name]; ok {
		return errors.Wrap(errAlreadySubscribed, name)
	}
	p.topics[name] = &topicSeries{source: source}
	p.logger.Debugf("plotting topic %q", name)
	return nil
}

// RemoveTopic stops sampling name and drops its series.
func (p *telemetryPlotter) RemoveTopic(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.topics[name]; !ok {
		return errors.Wrap(errNotSubscribed, name)
	}
	delete(p.topics, name)
	return nil
}

// EnableTimer starts or stops the sampling cadence. Enabling resets the start time reference.
func (p *telemetryPlotter) EnableTimer(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if enabled {
		p.startTime = p.now()
	}
	p.timerEnabled = enabled
}

func (p *telemetryPlotter) TimerEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timerEnabled
}

// Series returns a copy of the samples recorded for name.
func (p *telemetryPlotter) Series(name string) ([]sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts, ok := p.topics[name]
	if !ok {
		return nil, errors.Wrap(errNotSubscribed, name)
	}
	out := make([]sample, len(ts.samples))
	copy(out, ts.samples)
	return out, nil
}

// SampleCount is the total number of samples across all topics.
func (p *telemetryPlotter) SampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, ts := range p.topics {
		n += len(ts.samples)
	}
	return n
}

func (p *telemetryPlotter) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sampleOnce(ctx)
		}
	}
}

// sampleOnce reads every subscribed topic once if the timer is enabled.
func (p *telemetryPlotter) sampleOnce(ctx context.Context) {
	p.mu.Lock()
	if !p.timerEnabled {
		p.mu.Unlock()
		return
	}
	sources := make(map[string]telemetrySource, len(p.topics))
	for name, ts := range p.topics {
		sources[name] = ts.source
	}
	p.mu.Unlock()

	for name, src := range sources {
		value, err := src.Sample(ctx)
		if err != nil {
			p.logger.Warnf("failed to sample topic %q: %v", name, err)
			continue
		}
		p.record(name, value)
	}
}

func (p *telemetryPlotter) record(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts, ok := p.topics[name]
	if !ok || !p.timerEnabled {
		return
	}
	// gonum refuses to draw non-finite points
	if math.IsNaN(value) || math.IsInf(value, 0) {
		p.logger.Warnf("dropping non-finite sample %v on topic %q", value, name)
		return
	}
	if len(ts.samples) >= p.maxSamples {
		ts.samples = ts.samples[1:]
	}
	ts.samples = append(ts.samples, sample{
		T:     p.now().Sub(p.startTime).Seconds(),
		Value: value,
	})
}

// Render draws every topic as a line and writes the chart as PNG.
func (p *telemetryPlotter) Render(w io.Writer) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.topics))
	for name := range p.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]interface{}, 0, 2*len(names))
	for _, name := range names {
		samples := p.topics[name].samples
		pts := make(plotter.XYs, len(samples))
		for i, s := range samples {
			pts[i].X = s.T
			pts[i].Y = s.Value
		}
		lines = append(lines, name, pts)
	}
	p.mu.Unlock()

	chart := plot.New()
	chart.Title.Text = plotTitle
	chart.X.Label.Text = "time (s)"
	chart.Y.Label.Text = "value"
	if err := plotutil.AddLines(chart, lines...); err != nil {
		return errors.Wrap(err, "building plot lines")
	}

	wt, err := chart.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "encoding plot")
	}
	_, err = wt.WriteTo(w)
	return err
}

func (p *telemetryPlotter) RenderFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating plot file %s", path)
	}
	if err := p.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *telemetryPlotter) Close() {
	p.workers.Stop()
}
