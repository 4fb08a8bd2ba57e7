package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	beginsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "upload",
		Name:      "begins_total",
		Help:      "Upload sessions admitted.",
	})
	chunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "upload",
		Name:      "chunks_total",
		Help:      "Chunks accepted.",
	})
	chunkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "upload",
		Name:      "chunk_bytes_total",
		Help:      "Chunk payload bytes accepted.",
	})
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "upload",
		Name:      "commits_total",
		Help:      "Sessions committed by finish.",
	})
	abortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "upload",
		Name:      "aborts_total",
		Help:      "Sessions aborted by callers.",
	})
)
