package kv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// opsTotal counts mutating store operations per backend. Exposed on
// /metrics by the server binary.
var opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "capsuled",
	Subsystem: "kv",
	Name:      "ops_total",
	Help:      "Mutating keyed-store operations by backend and op.",
}, []string{"backend", "op"})
