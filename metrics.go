package rofsock

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver counts session events and tracks queue depth in
// Prometheus.
type MetricsObserver struct {
	events *prometheus.CounterVec
	depth  *prometheus.GaugeVec
}

// NewMetricsObserver registers its collectors with reg. A nil reg uses
// the default registerer.
func NewMetricsObserver(reg prometheus.Registerer, namespace string) (*MetricsObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &MetricsObserver{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Session events by kind and priority class.",
			},
			[]string{"event", "class"},
		),
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "queue_depth",
				Help:      "Messages waiting in the outbound queue of a priority class.",
			},
			[]string{"class"},
		),
	}
	if err := reg.Register(m.events); err != nil {
		return nil, err
	}
	if err := reg.Register(m.depth); err != nil {
		reg.Unregister(m.events)
		return nil, err
	}
	return m, nil
}

// OnEvent implements Observer.
func (m *MetricsObserver) OnEvent(s *Session, e Event) {
	class := ""
	switch e.Kind {
	case EventQueued, EventSent:
		class = e.Class.String()
		m.depth.WithLabelValues(class).Set(float64(e.Depth))
	case EventDropped:
		if classified(e) {
			class = e.Class.String()
		}
		// Depth carries the number of messages dropped at once.
		m.events.WithLabelValues(string(e.Kind), class).Add(float64(e.Depth))
		return
	case EventClosed:
		for c := 0; c < s.queues.Classes(); c++ {
			m.depth.WithLabelValues(PriorityClass(c).String()).Set(0)
		}
	}
	m.events.WithLabelValues(string(e.Kind), class).Inc()
}

// classified reports whether a dropped event names the class its message
// was queued on. Bulk clears carry no message; messages refused while
// disconnected or with an unknown version never reached a queue.
func classified(e Event) bool {
	if e.Message == nil {
		return false
	}
	return !errors.Is(e.Err, ErrNotConnected) && !errors.Is(e.Err, ErrUnsupportedVersion)
}
