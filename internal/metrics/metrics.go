// Package metrics defines the Prometheus collectors for the security pipeline.
// Every method is safe on a nil *Metrics so components can run unmetered in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Metrics groups the collectors registered at startup.
type Metrics struct {
	loginAttempts    *prometheus.CounterVec
	lockouts         *prometheus.CounterVec
	otpSent          *prometheus.CounterVec
	otpVerifications *prometheus.CounterVec
	threatAlerts     *prometheus.CounterVec
	blockedRequests  prometheus.Counter
	registrations    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Lockouts applied, by lockout level.",
		}, []string{"level"}),
		otpSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_sends_total",
			Help:      "Verification codes issued, by delivery result.",
		}, []string{"result"}),
		otpVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_verifications_total",
			Help:      "Verification attempts, by result.",
		}, []string{"result"}),
		threatAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_alerts_total",
			Help:      "Threat alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		blockedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests rejected by the threat detector.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration flow transitions, by stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.loginAttempts,
		m.lockouts,
		m.otpSent,
		m.otpVerifications,
		m.threatAlerts,
		m.blockedRequests,
		m.registrations,
	)
	return m
}

// LoginAttempt counts one login by outcome: success, failure, locked.
func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

// Lockout counts one lockout at level (1-based index into the threshold table).
func (m *Metrics) Lockout(level string) {
	if m == nil {
		return
	}
	m.lockouts.WithLabelValues(level).Inc()
}

// OTPSent counts one issued code by delivery result: sent, failed.
func (m *Metrics) OTPSent(result string) {
	if m == nil {
		return
	}
	m.otpSent.WithLabelValues(result).Inc()
}

// OTPVerification counts one verify call by result.
func (m *Metrics) OTPVerification(result string) {
	if m == nil {
		return
	}
	m.otpVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ThreatAlert(kind, severity string) {
	if m == nil {
		return
	}
	m.threatAlerts.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) BlockedRequest() {
	if m == nil {
		return
	}
	m.blockedRequests.Inc()
}

// Registration counts one registration stage: held, verified, expired.
func (m *Metrics) Registration(stage string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(stage).Inc()
}

// RegisterGauge exposes a value computed at scrape time, e.g. the number of
// tracked lockouts or dropped audit events.
func (m *Metrics) RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
