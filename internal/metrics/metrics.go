package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/bus"
)

// AlertStatsProvider exposes presenter counters.
type AlertStatsProvider interface {
	Stats() alert.Stats
}

// SessionCounter returns the number of live sessions by state.
type SessionCounter interface {
	Counts() (ringing, connected int)
}

// BusStatsProvider exposes event bus counters.
type BusStatsProvider interface {
	Stats() bus.Stats
}

// RouterStatsProvider exposes action router counters.
type RouterStatsProvider interface {
	Stats() action.RouterStats
}

// AttachmentProvider reports whether the application layer is attached.
type AttachmentProvider interface {
	IsAttached() bool
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape
// time.
type Collector struct {
	alerts    AlertStatsProvider
	sessions  SessionCounter
	bus       BusStatsProvider
	router    RouterStatsProvider
	attach    AttachmentProvider
	startTime time.Time

	activeAlertsDesc   *prometheus.Desc
	presentedDesc      *prometheus.Desc
	timeoutsDesc       *prometheus.Desc
	sessionsDesc       *prometheus.Desc
	busEventsDesc      *prometheus.Desc
	busSubscribersDesc *prometheus.Desc
	capturesDesc       *prometheus.Desc
	markersDesc        *prometheus.Desc
	attachedDesc       *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	alerts AlertStatsProvider,
	sessions SessionCounter,
	b BusStatsProvider,
	router RouterStatsProvider,
	attach AttachmentProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		alerts:    alerts,
		sessions:  sessions,
		bus:       b,
		router:    router,
		attach:    attach,
		startTime: startTime,

		activeAlertsDesc: prometheus.NewDesc(
			"callnotify_active_alerts",
			"Number of call alerts currently mounted",
			nil, nil,
		),
		presentedDesc: prometheus.NewDesc(
			"callnotify_pushes_presented_total",
			"Pushes handled by the presenter, by outcome",
			[]string{"outcome"}, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			"callnotify_ring_timeouts_total",
			"Call alerts declined because the ring timeout elapsed",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"callnotify_sessions",
			"Live call sessions by state",
			[]string{"state"}, nil,
		),
		busEventsDesc: prometheus.NewDesc(
			"callnotify_bus_events_total",
			"Events offered to the bus, by result",
			[]string{"result"}, nil,
		),
		busSubscribersDesc: prometheus.NewDesc(
			"callnotify_bus_subscribers",
			"Number of attached bus subscriptions",
			nil, nil,
		),
		capturesDesc: prometheus.NewDesc(
			"callnotify_captures_total",
			"Call decisions captured, by result",
			[]string{"result"}, nil,
		),
		markersDesc: prometheus.NewDesc(
			"callnotify_resolution_markers",
			"Resolution markers currently held by the router",
			nil, nil,
		),
		attachedDesc: prometheus.NewDesc(
			"callnotify_app_attached",
			"Whether the application layer is attached (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callnotify_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeAlertsDesc
	ch <- c.presentedDesc
	ch <- c.timeoutsDesc
	ch <- c.sessionsDesc
	ch <- c.busEventsDesc
	ch <- c.busSubscribersDesc
	ch <- c.capturesDesc
	ch <- c.markersDesc
	ch <- c.attachedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.alerts != nil {
		s := c.alerts.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeAlertsDesc, prometheus.GaugeValue, float64(s.Active))
		for outcome, n := range map[alert.Outcome]uint64{
			alert.OutcomePosted:    s.Posted,
			alert.OutcomeForwarded: s.Forwarded,
			alert.OutcomeMounted:   s.Mounted,
			alert.OutcomeDuplicate: s.Duplicate,
			alert.OutcomeCancelled: s.Cancelled,
		} {
			ch <- prometheus.MustNewConstMetric(c.presentedDesc, prometheus.CounterValue, float64(n), string(outcome))
		}
		ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(s.Timeouts))
	}

	if c.sessions != nil {
		ringing, connected := c.sessions.Counts()
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(ringing), "ringing")
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(connected), "connected")
	}

	if c.bus != nil {
		s := c.bus.Stats()
		ch <- prometheus.MustNewConstMetric(c.busEventsDesc, prometheus.CounterValue, float64(s.Published), "delivered")
		ch <- prometheus.MustNewConstMetric(c.busEventsDesc, prometheus.CounterValue, float64(s.Dropped), "dropped")
		ch <- prometheus.MustNewConstMetric(c.busSubscribersDesc, prometheus.GaugeValue, float64(s.Subscribers))
	}

	if c.router != nil {
		s := c.router.Stats()
		ch <- prometheus.MustNewConstMetric(c.capturesDesc, prometheus.CounterValue, float64(s.Published), "published")
		ch <- prometheus.MustNewConstMetric(c.capturesDesc, prometheus.CounterValue, float64(s.Undelivered), "undelivered")
		ch <- prometheus.MustNewConstMetric(c.capturesDesc, prometheus.CounterValue, float64(s.Duplicates), "duplicate")
		ch <- prometheus.MustNewConstMetric(c.markersDesc, prometheus.GaugeValue, float64(s.Markers))
	}

	if c.attach != nil {
		v := 0.0
		if c.attach.IsAttached() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.attachedDesc, prometheus.GaugeValue, v)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
