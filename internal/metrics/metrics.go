// Package metrics exposes Prometheus collectors for board and policy activity.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the teamline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	claims      *prometheus.CounterVec
	audit       *prometheus.CounterVec
	escalations prometheus.Counter
}

// New registers the collectors on reg. Use a fresh registry in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by deciding rule and outcome.",
		}, []string{"rule", "allow"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "board",
			Name:      "transitions_total",
			Help:      "Committed stage transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "board",
			Name:      "refused_operations_total",
			Help:      "Board operations refused with a caller-facing error code.",
		}, []string{"code"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "board",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		audit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events by delivery outcome.",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamline",
			Subsystem: "board",
			Name:      "escalations_total",
			Help:      "Items forced into the blocked stage after repeated rejections.",
		}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.transitions, m.rejections, m.claims, m.audit, m.escalations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Decision(rule string, allow bool) {
	if m == nil {
		return
	}
	if rule == "" {
		rule = "none"
	}
	m.decisions.WithLabelValues(rule, strconv.FormatBool(allow)).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Refused(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Audit(outcome string) {
	if m == nil {
		return
	}
	m.audit.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}
