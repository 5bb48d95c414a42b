package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultService = "e2ee-sdk"

var (
	sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encryption_sessions_created_total",
			Help: "Total number of encryption sessions created.",
		},
		[]string{"service", "status"},
	)

	sessionOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_operations_total",
			Help: "Total number of session operations (encrypt, decrypt, retrieve, revoke).",
		},
		[]string{"service", "op", "status"},
	)

	reencryptedKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reencrypted_keys_total",
			Help: "Total number of session keys processed by mass reencryption.",
		},
		[]string{"service", "result"},
	)

	groupOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_operations_total",
			Help: "Total number of group mutations.",
		},
		[]string{"service", "op", "status"},
	)

	sessionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cache_lookups_total",
			Help: "Session cache lookups by outcome.",
		},
		[]string{"service", "outcome"},
	)
)

// Curried views with the service label bound. MustRegister rebinds them to
// the configured service name; before that they carry the default.
var (
	SessionsCreatedTotal     = curry(sessionsCreated, defaultService)
	SessionOperationsTotal   = curry(sessionOperations, defaultService)
	ReencryptedKeysTotal     = curry(reencryptedKeys, defaultService)
	GroupOperationsTotal     = curry(groupOperations, defaultService)
	SessionCacheLookupsTotal = curry(sessionCacheLookups, defaultService)
)

func curry(vec *prometheus.CounterVec, serviceName string) *prometheus.CounterVec {
	return vec.MustCurryWith(prometheus.Labels{"service": serviceName})
}

var once sync.Once

// MustRegister binds all vectors to the service name and registers them with
// the default registry. Safe to call more than once; only the first call
// takes effect.
func MustRegister(serviceName string) {
	once.Do(func() {
		SessionsCreatedTotal = curry(sessionsCreated, serviceName)
		SessionOperationsTotal = curry(sessionOperations, serviceName)
		ReencryptedKeysTotal = curry(reencryptedKeys, serviceName)
		GroupOperationsTotal = curry(groupOperations, serviceName)
		SessionCacheLookupsTotal = curry(sessionCacheLookups, serviceName)

		prometheus.MustRegister(
			sessionsCreated,
			sessionOperations,
			reencryptedKeys,
			groupOperations,
			sessionCacheLookups,
		)
	})
}
