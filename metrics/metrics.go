// Package metrics holds the prometheus collectors of the client core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fhevault"

// Metrics groups every collector.
type Metrics struct {
	credentialLookups *prometheus.CounterVec
	signerPrompts     prometheus.Counter
	handleLookups     *prometheus.CounterVec
	permissionGrants  prometheus.Counter
	decryptCalls      *prometheus.CounterVec
	propagationWaits  prometheus.Counter
	engineLatency     *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		credentialLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_lookups_total",
			Help:      "Decryption credential cache lookups by result.",
		}, []string{"result"}),
		signerPrompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_prompts_total",
			Help:      "Authorization signatures requested from a signer.",
		}),
		handleLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_cache_lookups_total",
			Help:      "Handle cache lookups by result.",
		}, []string{"result"}),
		permissionGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_grants_total",
			Help:      "Permission-granting transactions submitted.",
		}),
		decryptCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_calls_total",
			Help:      "Decryption flows by outcome kind.",
		}, []string{"outcome"}),
		propagationWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_waits_total",
			Help:      "Fixed propagation delays observed before decryption.",
		}),
		engineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_seconds",
			Help:      "Latency of engine calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{
		m.credentialLookups,
		m.signerPrompts,
		m.handleLookups,
		m.permissionGrants,
		m.decryptCalls,
		m.propagationWaits,
		m.engineLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// CredentialLookup records a credential cache lookup.
func (m *Metrics) CredentialLookup(hit bool) {
	if m == nil {
		return
	}
	m.credentialLookups.WithLabelValues(hitLabel(hit)).Inc()
}

// SignerPrompt records a signature request.
func (m *Metrics) SignerPrompt() {
	if m == nil {
		return
	}
	m.signerPrompts.Inc()
}

// HandleLookup records a handle cache lookup.
func (m *Metrics) HandleLookup(hit bool) {
	if m == nil {
		return
	}
	m.handleLookups.WithLabelValues(hitLabel(hit)).Inc()
}

// PermissionGrant records a permission-granting transaction.
func (m *Metrics) PermissionGrant() {
	if m == nil {
		return
	}
	m.permissionGrants.Inc()
}

// DecryptCall records the outcome of one decryption flow.
func (m *Metrics) DecryptCall(outcome string) {
	if m == nil {
		return
	}
	m.decryptCalls.WithLabelValues(outcome).Inc()
}

// PropagationWait records one propagation delay.
func (m *Metrics) PropagationWait() {
	if m == nil {
		return
	}
	m.propagationWaits.Inc()
}

// ObserveEngine records the latency of an engine call started at start.
func (m *Metrics) ObserveEngine(op string, start time.Time) {
	if m == nil {
		return
	}
	m.engineLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
