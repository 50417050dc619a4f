// Package chainquery defines the chain status contract the confirmation
// watcher polls, plus an EVM adapter backed by go-ethereum's ethclient.
package chainquery

import (
	"context"
	"fmt"
)

// TxStatus is the answer to "what happened to this transaction on-chain".
// Absence (Found=false) is an expected outcome while a transaction
// propagates, not an error. Failed marks a transaction that made it
// on-chain but reverted; its confirmation side effects must never run.
type TxStatus struct {
	Found         bool
	Confirmed     bool
	Failed        bool
	Confirmations uint64
	Outputs       []map[string]any
}

// Service is the chain query collaborator. Implementations return an error
// only for transport or malformed-response failures; those count against
// the entry's retry budget.
type Service interface {
	Status(ctx context.Context, txHash string) (TxStatus, error)
}

// QueryError wraps a transport failure while polling chain status.
type QueryError struct {
	TxHash string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("chain query for %s failed: %v", e.TxHash, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
