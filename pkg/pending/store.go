package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Backend is the durable key-value contract behind the store. GetAll loads
// the persisted entry set; SetAll replaces it atomically.
type Backend interface {
	GetAll(ctx context.Context) ([]Entry, error)
	SetAll(ctx context.Context, entries []Entry) error
}

// ErrNotTracked is returned for operations on a tx hash the store does not
// hold.
var ErrNotTracked = errors.New("transaction is not tracked")

// Store is the single per-process registry of pending transactions. It is
// written both by the registration path and by watcher ticks, so every
// mutation is serialized under one mutex and persisted through the backend
// before returning. Construct exactly one Store per backend.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	backend Backend
	log     *zap.Logger
}

// NewStore loads the persisted entry set from the backend (crash recovery)
// and returns a ready store.
func NewStore(ctx context.Context, backend Backend, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loaded, err := backend.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transactions: %w", err)
	}
	s := &Store{
		entries: make(map[string]Entry, len(loaded)),
		backend: backend,
		log:     logger,
	}
	for _, e := range loaded {
		s.entries[e.TxHash] = e
	}
	if len(loaded) > 0 {
		logger.Info("recovered pending transactions", zap.Int("count", len(loaded)))
	}
	return s, nil
}

// Register inserts an entry keyed by its tx hash. Re-registering an already
// tracked hash is a no-op, not an error.
func (s *Store) Register(ctx context.Context, e Entry) error {
	if e.TxHash == "" {
		return fmt.Errorf("entry requires a tx hash")
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid entry status %q", e.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.TxHash]; exists {
		return nil
	}
	s.entries[e.TxHash] = e
	if err := s.persistLocked(ctx); err != nil {
		delete(s.entries, e.TxHash)
		return err
	}
	return nil
}

// List returns a snapshot of all entries ordered oldest-first, so bounded
// polling batches treat long-waiting transactions fairly.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns the entry for txHash.
func (s *Store) Get(txHash string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[txHash]
	return e, ok
}

// Len returns the number of tracked entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Remove deletes an entry after its confirmation fully succeeded.
func (s *Store) Remove(ctx context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[txHash]
	if !ok {
		return nil
	}
	delete(s.entries, txHash)
	if err := s.persistLocked(ctx); err != nil {
		s.entries[txHash] = prev
		return err
	}
	return nil
}

// SetConfirming marks an entry as observed-confirmed and snapshots the data
// extracted from its on-chain outputs into the context, in one persisted
// mutation. Persisting before the onConfirmation effects run is what makes
// a crash in between recoverable.
func (s *Store) SetConfirming(ctx context.Context, txHash string, extracted map[string]any) error {
	return s.update(ctx, txHash, func(e *Entry) error {
		if e.Status != StatusConfirming && !CanTransition(e.Status, StatusConfirming) {
			return fmt.Errorf("cannot move %s from %s to %s", txHash, e.Status, StatusConfirming)
		}
		e.Status = StatusConfirming
		if extracted != nil {
			e.Context = e.Context.WithExtracted(extracted)
		}
		return nil
	})
}

// SetNeedsAttention records a critical onConfirmation failure; the entry
// stays tracked and its effects re-run on later ticks.
func (s *Store) SetNeedsAttention(ctx context.Context, txHash string, cause error) error {
	return s.update(ctx, txHash, func(e *Entry) error {
		if e.Status != StatusNeedsAttention && !CanTransition(e.Status, StatusNeedsAttention) {
			return fmt.Errorf("cannot move %s from %s to %s", txHash, e.Status, StatusNeedsAttention)
		}
		e.Status = StatusNeedsAttention
		if cause != nil {
			e.LastError = cause.Error()
		}
		return nil
	})
}

// MarkRetry increments the transport-error retry counter and flips the entry
// to failedPermanent once the cap is reached. It returns the resulting
// status. Retry counts only ever advance on poll transport errors, never on
// skips or found-but-unconfirmed results.
func (s *Store) MarkRetry(ctx context.Context, txHash string, cause error) (Status, error) {
	var result Status
	err := s.update(ctx, txHash, func(e *Entry) error {
		e.RetryCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
		if e.MaxRetries > 0 && e.RetryCount >= e.MaxRetries {
			e.Status = StatusFailedPermanent
		}
		result = e.Status
		return nil
	})
	return result, err
}

// MarkFailedPermanent retires an entry from active polling without deleting
// it; a silently dropped entry could mask a real on-chain/off-chain
// inconsistency.
func (s *Store) MarkFailedPermanent(ctx context.Context, txHash string, cause error) error {
	return s.update(ctx, txHash, func(e *Entry) error {
		e.Status = StatusFailedPermanent
		if cause != nil {
			e.LastError = cause.Error()
		}
		return nil
	})
}

// Dismiss removes an entry an operator has decided is beyond saving. Only
// needsAttention and failedPermanent entries may be dismissed; live entries
// must run their course.
func (s *Store) Dismiss(ctx context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[txHash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, txHash)
	}
	if prev.Status != StatusNeedsAttention && prev.Status != StatusFailedPermanent {
		return fmt.Errorf("cannot dismiss %s while %s", txHash, prev.Status)
	}
	delete(s.entries, txHash)
	if err := s.persistLocked(ctx); err != nil {
		s.entries[txHash] = prev
		return err
	}
	return nil
}

func (s *Store) update(ctx context.Context, txHash string, mutate func(*Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[txHash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, txHash)
	}
	next := prev
	if err := mutate(&next); err != nil {
		return err
	}
	s.entries[txHash] = next
	if err := s.persistLocked(ctx); err != nil {
		s.entries[txHash] = prev
		return err
	}
	return nil
}

// persistLocked writes the complete entry set through the backend. Callers
// hold s.mu; on error they roll back the in-memory change so memory and
// backend stay consistent.
func (s *Store) persistLocked(ctx context.Context) error {
	snapshot := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].TxHash < snapshot[j].TxHash
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	if err := s.backend.SetAll(ctx, snapshot); err != nil {
		s.log.Error("failed to persist pending transactions", zap.Error(err))
		return fmt.Errorf("failed to persist pending transactions: %w", err)
	}
	return nil
}
