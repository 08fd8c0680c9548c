// Package telemetry exposes prometheus counters for the action engine and
// the propagation pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "em2_actions_applied_total",
		Help: "Actions successfully applied, by component and verb.",
	}, []string{"component", "verb"})

	ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "em2_action_failures_total",
		Help: "Rejected actions, by failure kind.",
	}, []string{"kind"})

	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "em2_pushes_total",
		Help: "Outbound pushes to remote nodes, by outcome.",
	}, []string{"outcome"})

	FallbackSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "em2_fallback_sends_total",
		Help: "Fallback email deliveries, by outcome.",
	}, []string{"outcome"})

	NodeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "em2_node_resolutions_total",
		Help: "Node resolutions, by result (local, fallback, remote).",
	}, []string{"result"})

	DNSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "em2_dns_cache_hits_total",
		Help: "Node resolutions served from the cache.",
	})
)
