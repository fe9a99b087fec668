// Package metrics registers the bot's Prometheus instruments. Everything
// lives on the default registry and is served by the REST facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts requests served from the transport-id cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_cache_hits_total",
		Help: "Requests answered from the transport file-id cache.",
	})

	// CacheMisses counts requests that had to download.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_cache_misses_total",
		Help: "Requests that required a fresh download.",
	})

	// Downloads counts extractor runs by outcome code.
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_downloads_total",
		Help: "Extractor runs by outcome.",
	}, []string{"outcome"})

	// Uploads counts media uploads by kind.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_uploads_total",
		Help: "Media uploads by kind.",
	}, []string{"kind"})

	// InFlight tracks currently running downloads.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_downloads_in_flight",
		Help: "Downloads currently in progress.",
	})

	// Transcriptions counts voice transcriptions by result.
	Transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_transcriptions_total",
		Help: "Voice transcriptions by result.",
	}, []string{"result"})
)
