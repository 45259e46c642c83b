// Package metrics exports spindle, encoder and tapping reports to
// Prometheus
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spindlesync/standalone/encoder"
	"spindlesync/standalone/spindle"
	"spindlesync/standalone/tapping"
)

const namespace = "spindlesync"

// Source is the running machine the collector reads from. The standalone
// Manager implements it.
type Source interface {
	Spindle() *spindle.Controller
	Tapping() *tapping.Controller
	Encoders() []string
	Decoder(name string) (encoder.Decoder, error)
}

var (
	spindleRPM = prometheus.NewDesc(namespace+"_spindle_rpm",
		"Measured spindle speed of the last control tick.", nil, nil)
	spindleSmoothedRPM = prometheus.NewDesc(namespace+"_spindle_smoothed_rpm",
		"Low pass filtered spindle speed.", nil, nil)
	spindleTargetRPM = prometheus.NewDesc(namespace+"_spindle_target_rpm",
		"Commanded spindle speed.", nil, nil)
	spindleDuty = prometheus.NewDesc(namespace+"_spindle_duty",
		"PWM duty written by the speed loop.", nil, nil)
	spindleEnabled = prometheus.NewDesc(namespace+"_spindle_enabled",
		"1 while the spindle is commanded on.", nil, nil)
	spindleFault = prometheus.NewDesc(namespace+"_spindle_fault",
		"1 while the named fault is latched.", []string{"fault"}, nil)
	spindleTicks = prometheus.NewDesc(namespace+"_spindle_ticks_total",
		"Control ticks run since start.", nil, nil)

	encoderPosition = prometheus.NewDesc(namespace+"_encoder_position",
		"Signed encoder pulse count.", []string{"encoder"}, nil)
	encoderRevs = prometheus.NewDesc(namespace+"_encoder_revolutions",
		"Encoder index pulse count.", []string{"encoder"}, nil)

	tapPhase = prometheus.NewDesc(namespace+"_tapping_phase",
		"1 for the phase the tapping cycle is in.", []string{"phase"}, nil)
	tapHoles = prometheus.NewDesc(namespace+"_tapping_holes_total",
		"Holes tapped since start.", nil, nil)
	tapPulses = prometheus.NewDesc(namespace+"_tapping_pulses",
		"Net Z pulses issued in the current hole.", nil, nil)
	tapTarget = prometheus.NewDesc(namespace+"_tapping_target_pulses",
		"Z pulses to the bottom of the current hole.", nil, nil)
)

var phases = []tapping.Phase{
	tapping.Idle,
	tapping.RapidToXY,
	tapping.RapidToR,
	tapping.SyncFeedToDepth,
	tapping.Reverse,
	tapping.SyncRetract,
	tapping.RetractToInitialZ,
}

var faults = []spindle.Fault{spindle.FaultStall, spindle.FaultLostSignal}

// Collector is a prometheus.Collector reading a Source on every scrape
type Collector struct {
	src    Source
	logger *zap.Logger
}

// NewCollector creates a collector over src
func NewCollector(src Source, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{src: src, logger: logger.Named("metrics")}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		spindleRPM, spindleSmoothedRPM, spindleTargetRPM, spindleDuty,
		spindleEnabled, spindleFault, spindleTicks,
		encoderPosition, encoderRevs,
		tapPhase, tapHoles, tapPulses, tapTarget,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if sp := c.src.Spindle(); sp != nil {
		r := sp.Report()
		ch <- prometheus.MustNewConstMetric(spindleRPM, prometheus.GaugeValue, r.CurrentRPM)
		ch <- prometheus.MustNewConstMetric(spindleSmoothedRPM, prometheus.GaugeValue, r.SmoothedRPM)
		ch <- prometheus.MustNewConstMetric(spindleTargetRPM, prometheus.GaugeValue, r.TargetRPM)
		ch <- prometheus.MustNewConstMetric(spindleDuty, prometheus.GaugeValue, r.Duty)
		ch <- prometheus.MustNewConstMetric(spindleEnabled, prometheus.GaugeValue, boolValue(r.Enabled))
		ch <- prometheus.MustNewConstMetric(spindleTicks, prometheus.CounterValue, float64(r.Ticks))
		for _, f := range faults {
			ch <- prometheus.MustNewConstMetric(spindleFault, prometheus.GaugeValue,
				boolValue(r.Faults&f != 0), f.String())
		}
	}

	for _, name := range c.src.Encoders() {
		d, err := c.src.Decoder(name)
		if err != nil {
			c.logger.Warn("encoder vanished", zap.String("encoder", name), zap.Error(err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(encoderPosition, prometheus.GaugeValue, float64(d.Position()), name)
		ch <- prometheus.MustNewConstMetric(encoderRevs, prometheus.GaugeValue, float64(d.Revolutions()), name)
	}

	if tap := c.src.Tapping(); tap != nil {
		st := tap.Status()
		for _, p := range phases {
			ch <- prometheus.MustNewConstMetric(tapPhase, prometheus.GaugeValue, boolValue(st.Phase == p), p.String())
		}
		ch <- prometheus.MustNewConstMetric(tapHoles, prometheus.CounterValue, float64(st.Holes))
		ch <- prometheus.MustNewConstMetric(tapPulses, prometheus.GaugeValue, float64(st.TotalPulses))
		ch <- prometheus.MustNewConstMetric(tapTarget, prometheus.GaugeValue, float64(st.TargetPulses))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve exposes reg on addr at /metrics until ctx is canceled
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	logger.Info("metrics server listening", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
