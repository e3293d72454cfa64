package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CheckInOutcomes counts terminal check-in outcomes by status.
var CheckInOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "checkin_outcomes_total",
	Help:      "Terminal check-in outcomes by status.",
}, []string{"status"})

// ProtocolRejections counts check-in attempts rejected before an outcome
// was reached (nonce, code, or device failures).
var ProtocolRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "checkin_rejections_total",
	Help:      "Check-in attempts rejected at the protocol layer, by reason.",
}, []string{"reason"})

// FanoutPublished counts events handed to the fanout backend.
var FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "fanout_published_total",
	Help:      "Events published to the fanout backend, by kind.",
}, []string{"kind"})

// FanoutDropped counts events dropped because a subscriber could not
// keep up. Delivery is best effort; drops are expected under load.
var FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "fanout_dropped_total",
	Help:      "Events dropped for slow or disconnected subscribers.",
})

// SessionsSwept counts sessions flipped to inactive by the expiry sweep.
var SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "sessions_swept_total",
	Help:      "Sessions deactivated by the expiry sweep.",
})
