// Package metrics exposes prometheus counters for moderation activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventsTotal counts classified inbound events by type: "leave",
// "join_request", "ignored", "out_of_scope".
var EventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qqban_events_total",
		Help: "inbound group events by classification",
	},
	[]string{"type"},
)

// ActionsTotal counts platform actions by action ("approve", "reject") and
// outcome ("ok", "error").
var ActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qqban_actions_total",
		Help: "join request responses by action and outcome",
	},
	[]string{"action", "outcome"},
)

// BlacklistAddTotal counts blacklist insertion attempts by result
// ("added", "duplicate", "error").
var BlacklistAddTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qqban_blacklist_add_total",
		Help: "blacklist insertion attempts by result",
	},
	[]string{"result"},
)
