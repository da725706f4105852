package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records coordination outcomes. A nil *Metrics disables recording.
type Metrics struct {
	offers      *prometheus.CounterVec
	responses   *prometheus.CounterVec
	selections  prometheus.Counter
	transitions *prometheus.CounterVec
	refusals    *prometheus.CounterVec
}

// NewMetrics registers coordination metrics on the provided registerer. If
// reg is nil, the default registerer is used. Already-registered collectors
// are reused so tests can construct multiple coordinators.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medtransit_offers_created_total",
			Help: "Dispatch offers created, by dispatch mode",
		}, []string{"mode"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medtransit_responses_total",
			Help: "Agency responses recorded, by answer",
		}, []string{"response"}),
		selections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medtransit_selections_total",
			Help: "Winning agency selections",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medtransit_trip_transitions_total",
			Help: "Trip status transitions applied",
		}, []string{"from", "to"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medtransit_refusals_total",
			Help: "Operations refused by a precondition, by reason",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.offers, m.responses, m.selections, m.transitions, m.refusals} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) offerCreated(mode DispatchMode) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) responseRecorded(state ResponseState) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) agencySelected() {
	if m == nil {
		return
	}
	m.selections.Inc()
}

func (m *Metrics) transition(from, to TripStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) refused(reason string) {
	if m == nil {
		return
	}
	m.refusals.WithLabelValues(reason).Inc()
}
