// Package metrics exposes Prometheus instruments for the dispatch engine.
// The no-key counter distinguishes an empty/exhausted pool from keys that
// are merely cooling down, so operators can tell the two apart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// No-key reasons.
const (
	ReasonNoKeys     = "no_keys"
	ReasonAllCooling = "all_cooling"
	ReasonDeadline   = "deadline"
)

// Set bundles the engine's Prometheus instruments.
type Set struct {
	RequestsTotal  *prometheus.CounterVec
	RotationsTotal prometheus.Counter
	CooldownsTotal *prometheus.CounterVec
	LockoutsTotal  prometheus.Counter
	NoKeyTotal     *prometheus.CounterVec
	LeasesInFlight prometheus.Gauge
	KeysEligible   *prometheus.GaugeVec
}

// New creates the instrument set and registers it with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "requests_total",
			Help:      "Dispatched requests by call type and outcome.",
		}, []string{"call_type", "status"}),
		RotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "rotations_total",
			Help:      "Key rotations triggered by credential-specific failures.",
		}),
		CooldownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "cooldowns_total",
			Help:      "Cooldowns applied to (key, model) pairs by error kind.",
		}, []string{"kind"}),
		LockoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "lockouts_total",
			Help:      "Key-wide lockouts triggered by distinct-model failures.",
		}),
		NoKeyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "no_key_total",
			Help:      "Selections that found no usable key, by reason.",
		}, []string{"reason"}),
		LeasesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "leases_in_flight",
			Help:      "Currently held (key, model) leases.",
		}),
		KeysEligible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "keys_eligible",
			Help:      "Keys currently eligible for selection, per provider.",
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(
			s.RequestsTotal,
			s.RotationsTotal,
			s.CooldownsTotal,
			s.LockoutsTotal,
			s.NoKeyTotal,
			s.LeasesInFlight,
			s.KeysEligible,
		)
	}
	return s
}

// Nop returns an unregistered set, usable when metrics are disabled.
func Nop() *Set {
	return New(nil)
}
