// Package metrics is the in-process counter registry for the engine.
// Counters are lock-free atomics; exporters (see metrics/export) read a
// consistent snapshot and bridge it to an external backend.
package metrics

import "sync/atomic"

// MetricID indexes a single counter.
type MetricID int

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRegisterSuccess
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricFamilyRevoked
	MetricSessionCreated
	MetricSessionDestroyed
	MetricAccessIssued
	MetricAccessVerifyFailure
	MetricOAuthStarted
	MetricOAuthCompleted
	MetricOAuthFailed
	MetricCSRFRejected
	MetricCleanupRemoved
	MetricPasswordResetRequested
	MetricPasswordResetConfirmed
	MetricEmailVerified

	MetricIDCount
)

// Names maps each counter to its exported instrument name.
var Names = [MetricIDCount]string{
	MetricLoginSuccess:           "authkit.login.success",
	MetricLoginFailure:           "authkit.login.failure",
	MetricRegisterSuccess:        "authkit.register.success",
	MetricRefreshSuccess:         "authkit.refresh.success",
	MetricRefreshFailure:         "authkit.refresh.failure",
	MetricRefreshReuseDetected:   "authkit.refresh.reuse_detected",
	MetricFamilyRevoked:          "authkit.refresh.family_revoked",
	MetricSessionCreated:         "authkit.session.created",
	MetricSessionDestroyed:       "authkit.session.destroyed",
	MetricAccessIssued:           "authkit.access.issued",
	MetricAccessVerifyFailure:    "authkit.access.verify_failure",
	MetricOAuthStarted:           "authkit.oauth.started",
	MetricOAuthCompleted:         "authkit.oauth.completed",
	MetricOAuthFailed:            "authkit.oauth.failed",
	MetricCSRFRejected:           "authkit.csrf.rejected",
	MetricCleanupRemoved:         "authkit.cleanup.removed",
	MetricPasswordResetRequested: "authkit.password_reset.requested",
	MetricPasswordResetConfirmed: "authkit.password_reset.confirmed",
	MetricEmailVerified:          "authkit.email.verified",
}

// Config controls whether the registry records anything at all.
type Config struct {
	Enabled bool
}

// Metrics holds one atomic counter per MetricID. A nil or disabled
// Metrics is safe to use; every operation becomes a no-op.
type Metrics struct {
	enabled  bool
	counters [MetricIDCount]atomic.Uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counters [MetricIDCount]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id < 0 || id >= MetricIDCount {
		return
	}
	m.counters[id].Add(n)
}

func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	if m == nil || !m.enabled {
		return s
	}
	for i := range m.counters {
		s.Counters[i] = m.counters[i].Load()
	}
	return s
}
