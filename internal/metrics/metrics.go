// Package metrics exposes the Prometheus collectors shared across the
// gateway. All collectors are registered on the default registry and served
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	popupsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinegate_popups_blocked_total",
		Help: "Window-open attempts denied by the hijack defense.",
	})

	popupsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinegate_popups_detected_total",
		Help: "Popup/hijack detections by signal source.",
	}, []string{"source"})

	trustDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinegate_trust_decisions_total",
		Help: "Trust gate decisions by outcome.",
	}, []string{"outcome", "rule"})

	playbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinegate_playback_errors_total",
		Help: "Playback engine errors by class.",
	}, []string{"class"})

	playbackRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinegate_playback_retries_total",
		Help: "Automatic playback recovery attempts.",
	})

	resolveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinegate_resolve_total",
		Help: "Manifest resolutions by outcome.",
	}, []string{"outcome"})

	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinegate_proxy_requests_total",
		Help: "Proxy fetches by resource kind and result.",
	}, []string{"kind", "result"})

	proxyBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinegate_proxy_bytes_total",
		Help: "Bytes relayed through the proxy.",
	})
)

func RecordPopupBlocked()               { popupsBlocked.Inc() }
func RecordPopupDetected(source string) { popupsDetected.WithLabelValues(source).Inc() }

func RecordTrustDecision(blocked bool, rule string) {
	outcome := "allowed"
	if blocked {
		outcome = "suppressed"
	}
	trustDecisions.WithLabelValues(outcome, rule).Inc()
}

func RecordPlaybackError(class string) { playbackErrors.WithLabelValues(class).Inc() }
func RecordPlaybackRetry()             { playbackRetries.Inc() }

func RecordResolve(outcome string) { resolveOutcomes.WithLabelValues(outcome).Inc() }

func RecordProxyRequest(kind, result string) { proxyRequests.WithLabelValues(kind, result).Inc() }
func RecordProxyBytes(n int64) {
	if n > 0 {
		proxyBytes.Add(float64(n))
	}
}
