package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_client_calls_started_total",
	Help: "counter of calls accepted by the client dispatcher and assigned a request id",
})

var callsCompletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wirecall_client_calls_completed_total",
	Help: "counter of completed calls, by completion status",
}, []string{"status"})

var cancelsSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_client_cancels_sent_total",
	Help: "counter of Cancel frames staged for the server on deadline expiry or caller abandonment",
})

var unknownResponseCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_client_unknown_responses_total",
	Help: "counter of responses dropped because no outstanding call matched their request id",
})

var inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wirecall_client_in_flight_calls",
	Help: "gauge of calls outstanding with the server",
})
