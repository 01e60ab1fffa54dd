package server

import "github.com/prometheus/client_golang/prometheus"

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages()           {}
func (noopMetrics) incChannelDataMessages()    {}
func (noopMetrics) incDroppedMessages()        {}

type promMetrics struct {
	stunMessages        prometheus.Counter
	channelDataMessages prometheus.Counter
	droppedMessages     prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnrelayd_stun_messages_total",
			Help:        "STUN messages received, excluding those dropped by a client rule.",
			ConstLabels: labels,
		}),
		channelDataMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnrelayd_channeldata_messages_total",
			Help:        "ChannelData messages received.",
			ConstLabels: labels,
		}),
		droppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnrelayd_dropped_messages_total",
			Help:        "Messages dropped before processing (client filter, worker pool saturated).",
			ConstLabels: labels,
		}),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.channelDataMessages.Desc()
	d <- m.droppedMessages.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.channelDataMessages.Collect(c)
	m.droppedMessages.Collect(c)
}

func (m *promMetrics) incSTUNMessages()        { m.stunMessages.Inc() }
func (m *promMetrics) incChannelDataMessages() { m.channelDataMessages.Inc() }
func (m *promMetrics) incDroppedMessages()     { m.droppedMessages.Inc() }
