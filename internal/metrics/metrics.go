package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sign-in attempt results.
const (
	ResultSuccess            = "success"
	ResultInvalidCredentials = "invalid_credentials"
	ResultBlocked            = "blocked"
	ResultUnconfirmed        = "unconfirmed"
	ResultTwoFactorPending   = "two_factor_pending"
	ResultFailure            = "failure"
)

var (
	SignInAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authsvc",
		Name:      "sign_in_attempts_total",
		Help:      "Sign-in attempts by outcome.",
	}, []string{"result"})

	TwoFactorVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authsvc",
		Name:      "two_factor_verifications_total",
		Help:      "Two-factor verifications by method and outcome.",
	}, []string{"method", "result"})

	BackupCodesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authsvc",
		Name:      "backup_codes_consumed_total",
		Help:      "Single-use backup codes consumed during sign-in.",
	})

	SessionsResurrected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authsvc",
		Name:      "sessions_resurrected_total",
		Help:      "Sessions minted from a valid remember-me token.",
	})

	PolicyGates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authsvc",
		Name:      "policy_gates_total",
		Help:      "Post-authentication policy gates raised at sign-in.",
	}, []string{"gate"})
)
