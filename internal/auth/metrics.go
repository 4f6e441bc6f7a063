package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts auth outcomes. A nil registerer yields unregistered collectors.
type Metrics struct {
	otpIssued          *prometheus.CounterVec
	otpVerifications   *prometheus.CounterVec
	dispatchFailures   *prometheus.CounterVec
	tokensIssued       *prometheus.CounterVec
	tokenVerifications *prometheus.CounterVec
}

// NewMetrics registers the auth collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		otpIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_issued_total",
			Help: "OTP codes issued, by purpose",
		}, []string{"purpose"}),
		otpVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_verifications_total",
			Help: "OTP verification attempts, by purpose and result kind",
		}, []string{"purpose", "result"}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_dispatch_failures_total",
			Help: "OTP deliveries that failed or timed out, by purpose",
		}, []string{"purpose"}),
		tokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Bearer tokens issued, by flow",
		}, []string{"flow"}),
		tokenVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_verifications_total",
			Help: "Bearer token verifications, by result kind",
		}, []string{"result"}),
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err)
}
