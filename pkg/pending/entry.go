// Package pending tracks submitted-but-unconfirmed transactions in a
// durable, tx-hash-keyed store. Every mutation is persisted synchronously
// through a pluggable key-value backend before the call returns, so a crash
// between "seen confirmed" and "side effects applied" is recoverable on
// restart.
package pending

import (
	"time"

	"github.com/web3ekko/txflow/pkg/txdef"
)

// Status is the lifecycle state of a pending entry.
type Status string

const (
	// StatusPending: submitted, not yet observed on-chain.
	StatusPending Status = "pending"
	// StatusConfirming: observed confirmed on-chain; onConfirmation side
	// effects not yet known to have fully succeeded.
	StatusConfirming Status = "confirming"
	// StatusNeedsAttention: a critical onConfirmation side effect failed;
	// the effects are re-run on subsequent ticks without re-polling.
	StatusNeedsAttention Status = "needsAttention"
	// StatusFailedPermanent: polling gave up (transport-error retry cap or
	// not-found deadline); the entry is excluded from active polling but
	// kept for operator inspection.
	StatusFailedPermanent Status = "failedPermanent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirming, StatusNeedsAttention, StatusFailedPermanent:
		return true
	}
	return false
}

// Active reports whether entries in this status still participate in
// watcher ticks.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirming || s == StatusNeedsAttention
}

// transitions is the full state space of the retry/attention machine. Kept
// as an explicit table so it is exhaustively testable.
var transitions = map[Status][]Status{
	StatusPending:         {StatusConfirming, StatusFailedPermanent},
	StatusConfirming:      {StatusNeedsAttention},
	StatusNeedsAttention:  {StatusConfirming},
	StatusFailedPermanent: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Entry is one tracked transaction. TxType references the originating
// definition by name so entries stay serializable; Context is the snapshot
// of the submission context the side effects run against (including, once
// confirming, the data extracted from the on-chain outputs).
type Entry struct {
	TxHash     string                  `json:"tx_hash"`
	EntityType string                  `json:"entity_type"`
	EntityID   string                  `json:"entity_id"`
	TxType     string                  `json:"tx_type"`
	Context    txdef.SubmissionContext `json:"context"`
	CreatedAt  time.Time               `json:"created_at"`
	RetryCount int                     `json:"retry_count"`
	MaxRetries int                     `json:"max_retries"`
	Status     Status                  `json:"status"`
	LastError  string                  `json:"last_error,omitempty"`
}
