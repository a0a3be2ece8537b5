package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SecretsCreated counts secrets stored in the vault
	SecretsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onetime_secrets_created_total",
		Help: "Total number of secrets created",
	})

	// SecretsRevealed counts successful reveals
	SecretsRevealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onetime_secrets_revealed_total",
		Help: "Total number of secrets revealed",
	})

	// RevealFailures counts refused reveals by reason
	RevealFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onetime_reveal_failures_total",
		Help: "Total number of refused reveals",
	}, []string{"reason"}) // not_found, already_used, expired, unavailable

	// LedgerWritesFailed counts swallowed ledger write failures
	LedgerWritesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onetime_ledger_writes_failed_total",
		Help: "Ledger writes that failed after the primary operation succeeded",
	}, []string{"op"})

	// SecretsExpired counts records moved to expired
	SecretsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onetime_secrets_expired_total",
		Help: "Total number of ledger records marked expired",
	})

	// Deliveries counts link emails by result
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onetime_deliveries_total",
		Help: "Secret link deliveries by result",
	}, []string{"result"}) // sent, failed

	// NewSecretRequests counts recipients asking for a replacement secret
	NewSecretRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onetime_new_secret_requests_total",
		Help: "Requests for a new secret from recipients of used or expired links",
	}, []string{"result"}) // sent, failed

	// VaultEntries tracks live vault entries
	VaultEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onetime_vault_entries",
		Help: "Current number of unread secrets held in the vault",
	})
)

// RecordRevealFailure records a refused reveal
func RecordRevealFailure(reason string) {
	RevealFailures.WithLabelValues(reason).Inc()
}

// RecordLedgerWriteFailure records a swallowed ledger write failure
func RecordLedgerWriteFailure(op string) {
	LedgerWritesFailed.WithLabelValues(op).Inc()
}

// RecordDelivery records a delivery attempt
func RecordDelivery(ok bool) {
	Deliveries.WithLabelValues(result(ok)).Inc()
}

// RecordNewSecretRequest records a notification sent for a new secret
func RecordNewSecretRequest(ok bool) {
	NewSecretRequests.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "sent"
	}
	return "failed"
}
