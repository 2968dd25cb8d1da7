package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_server_requests_started_total",
	Help: "counter of requests accepted by the server dispatcher and handed to a handler",
})

var requestsHandledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wirecall_server_requests_handled_total",
	Help: "counter of handler outcomes, by status",
}, []string{"status"})

var cancelsReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_server_cancels_received_total",
	Help: "counter of Cancel frames which aborted an in-flight handler",
})

var oversizedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wirecall_server_oversized_requests_total",
	Help: "counter of requests rejected for exceeding the payload size limit",
})

var inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wirecall_server_in_flight_requests",
	Help: "gauge of handlers currently running",
})
