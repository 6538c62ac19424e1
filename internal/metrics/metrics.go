// Package metrics exposes recorder counters as prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dvbkit/tsdvr/internal/recorder"
)

const (
	namespace = "tsdvr"
	subsystem = "recorder"
)

var (
	receivedBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "received_bytes_total"),
		"total number of transport stream bytes accepted into the ring buffer",
		[]string{"recording"}, nil,
	)

	writtenBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "written_bytes_total"),
		"total number of bytes written to segment files",
		[]string{"recording"}, nil,
	)

	overflowBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "overflow_bytes_total"),
		"total number of bytes dropped on ring buffer overflow",
		[]string{"recording"}, nil,
	)

	framesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "frames_total"),
		"total number of frame starts indexed",
		[]string{"recording"}, nil,
	)

	independentFramesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "independent_frames_total"),
		"total number of independent frames recorded",
		[]string{"recording"}, nil,
	)

	segmentsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "segment_files"),
		"number of segment files opened for the recording",
		[]string{"recording"}, nil,
	)

	watchdogTripsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "watchdog_trips_total"),
		"number of times the broken-stream watchdog fired",
		[]string{"recording"}, nil,
	)
)

// Collector gathers snapshots from all active recordings.
type Collector struct {
	snapshots func() []recorder.Snapshot
}

// NewCollector creates a collector over the given snapshot provider.
func NewCollector(snapshots func() []recorder.Snapshot) *Collector {
	return &Collector{snapshots: snapshots}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- receivedBytesDesc
	ch <- writtenBytesDesc
	ch <- overflowBytesDesc
	ch <- framesDesc
	ch <- independentFramesDesc
	ch <- segmentsDesc
	ch <- watchdogTripsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.snapshots() {
		ch <- prometheus.MustNewConstMetric(receivedBytesDesc,
			prometheus.CounterValue, float64(s.BytesReceived), s.Name)
		ch <- prometheus.MustNewConstMetric(writtenBytesDesc,
			prometheus.CounterValue, float64(s.BytesWritten), s.Name)
		ch <- prometheus.MustNewConstMetric(overflowBytesDesc,
			prometheus.CounterValue, float64(s.OverflowBytes), s.Name)
		ch <- prometheus.MustNewConstMetric(framesDesc,
			prometheus.CounterValue, float64(s.Frames), s.Name)
		ch <- prometheus.MustNewConstMetric(independentFramesDesc,
			prometheus.CounterValue, float64(s.IndependentFrames), s.Name)
		ch <- prometheus.MustNewConstMetric(segmentsDesc,
			prometheus.GaugeValue, float64(s.Segments), s.Name)
		ch <- prometheus.MustNewConstMetric(watchdogTripsDesc,
			prometheus.CounterValue, float64(s.WatchdogTrips), s.Name)
	}
}
