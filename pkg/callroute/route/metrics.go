package route

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	rejectReasonNotRunning     = "not_running"
	rejectReasonAlreadyRunning = "already_running"
	rejectReasonUnavailable    = "device_unavailable"
)

var (
	deviceChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callroute_device_changes_total",
			Help: "Total number of audio device change notifications",
		},
	)

	rejectedOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callroute_rejected_operations_total",
			Help: "Total number of ignored routing operations by reason",
		},
		[]string{"reason"},
	)

	focusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callroute_focus_requests_total",
			Help: "Total number of audio focus requests by result",
		},
		[]string{"result"},
	)

	headsetSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callroute_headset_signals_total",
			Help: "Total number of wired headset signals received",
		},
		[]string{"present"},
	)

	sessionRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callroute_session_running",
			Help: "Whether a routing session is currently running (1) or not (0)",
		},
	)
)

func recordRejected(reason string) {
	rejectedOperationsTotal.WithLabelValues(reason).Inc()
}

func recordFocusRequest(result FocusResult) {
	focusRequestsTotal.WithLabelValues(result.String()).Inc()
}

func recordHeadsetSignal(present bool) {
	headsetSignalsTotal.WithLabelValues(strconv.FormatBool(present)).Inc()
}
