// Package selfmon exposes the agent's own health counters.
package selfmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "goagent"

var (
	// DisabledActions counts hook actions removed after a failure, by hook phase.
	DisabledActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_actions_disabled_total",
		Help:      "Hook actions permanently disabled after failing",
	}, []string{"phase"})

	// ProtocolViolations counts misuse of the context protocol, by kind.
	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "context_protocol_violations_total",
		Help:      "Context protocol violations such as double close",
	}, []string{"kind"})

	// Resolutions counts configuration resolutions, by result.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_resolutions_total",
		Help:      "Configuration resolutions",
	}, []string{"result"})

	// RuleErrors is the number of rules that failed to resolve in the last resolution.
	RuleErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "config_rule_errors",
		Help:      "Rules disabled by resolution errors in the current configuration",
	})

	// InstalledHooks is the number of methods with an installed hook.
	InstalledHooks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hooks_installed",
		Help:      "Methods with an installed hook",
	})

	// HookChanges counts hook installations, replacements and removals.
	HookChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_changes_total",
		Help:      "Hook installations, replacements and removals",
	}, []string{"change"})
)

const (
	PhaseEntry = "entry"
	PhaseExit  = "exit"
)
