// Package watcher drives pending transactions to completion: it polls the
// chain query collaborator on a fixed interval, runs onConfirmation side
// effects once a transaction is observed confirmed, and applies the
// bounded-retry-then-permanent-failure state machine on transport errors.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/web3ekko/txflow/pkg/chainquery"
	"github.com/web3ekko/txflow/pkg/effects"
	"github.com/web3ekko/txflow/pkg/pending"
	"github.com/web3ekko/txflow/pkg/txdef"
)

// Extractor is an entity-type-specific pure function that pulls the data a
// confirmation context needs out of the raw on-chain outputs (an asset
// name, a datum, a log field).
type Extractor func(outputs []map[string]any) (map[string]any, error)

// Config tunes the watcher loop. Zero values select the defaults.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// BatchSize caps how many entries one tick processes, oldest first.
	BatchSize int
	// Concurrency caps per-entry fan-out within a tick. Side effects
	// within one entry always run sequentially; only work across entries
	// is concurrent.
	Concurrency int
	// PollTimeout bounds each chain status query.
	PollTimeout time.Duration
	// MaxRetries is the transport-error budget given to new entries.
	MaxRetries int
	// NotFoundDeadline retires entries that were never seen on-chain for
	// this long (a dropped transaction). Zero disables the deadline; the
	// transport-error retry counter is unaffected either way.
	NotFoundDeadline time.Duration
	// StaleAfter logs a warning for needsAttention entries older than
	// this on every tick. Zero disables the warning.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	return c
}

// Watcher owns the timer-driven confirmation loop. Construct one per
// process and share it; the pending store underneath serializes all
// mutation.
type Watcher struct {
	cfg   Config
	reg   *txdef.Registry
	store *pending.Store
	exec  *effects.Executor
	chain chainquery.Service
	log   *zap.Logger

	extractors map[string]Extractor

	subMu sync.RWMutex
	subs  map[string]Callbacks

	pauseMu sync.Mutex
	paused  map[string]struct{}

	events *EventSource
	nudge  chan struct{}
}

// New creates a watcher. All collaborators are required except the logger.
func New(reg *txdef.Registry, store *pending.Store, exec *effects.Executor, chain chainquery.Service, cfg Config, logger *zap.Logger) (*Watcher, error) {
	if reg == nil || store == nil || exec == nil || chain == nil {
		return nil, fmt.Errorf("watcher requires registry, store, executor and chain query")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:        cfg.withDefaults(),
		reg:        reg,
		store:      store,
		exec:       exec,
		chain:      chain,
		log:        logger,
		extractors: make(map[string]Extractor),
		subs:       make(map[string]Callbacks),
		paused:     make(map[string]struct{}),
		nudge:      make(chan struct{}, 1),
	}, nil
}

// RegisterExtractor installs the on-chain data extraction function for an
// entity type. Entries of a type without an extractor confirm with an empty
// extracted map.
func (w *Watcher) RegisterExtractor(entityType string, fn Extractor) {
	w.extractors[entityType] = fn
}

// AttachEvents connects a stream source that mirrors callback
// notifications.
func (w *Watcher) AttachEvents(src *EventSource) {
	w.events = src
}

// Subscribe registers lifecycle callbacks and returns the subscription ID
// plus an unsubscribe function.
func (w *Watcher) Subscribe(cb Callbacks) (string, func()) {
	id := uuid.NewString()
	w.subMu.Lock()
	w.subs[id] = cb
	w.subMu.Unlock()
	return id, func() {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}
}

// RegisterSubmitted is the engine's upward entry point: the caller has
// built, signed and submitted the transaction externally and hands over the
// resulting context. The onSubmit side effects run immediately, then the
// entry is inserted into the pending store for the confirmation loop.
//
// A resolution error (or, in fail-fast mode, a critical failure) aborts
// before the insert and is returned with the partial results.
func (w *Watcher) RegisterSubmitted(ctx context.Context, def *txdef.Definition, sctx txdef.SubmissionContext, entityType, entityID string, opts effects.Options) (*effects.ListResult, error) {
	if sctx.TxHash == "" {
		return nil, fmt.Errorf("submission context requires a tx hash")
	}
	res, err := w.exec.ExecuteOnSubmit(ctx, def.OnSubmit, sctx, opts)
	if err != nil {
		return res, err
	}

	entry := pending.Entry{
		TxHash:     sctx.TxHash,
		EntityType: entityType,
		EntityID:   entityID,
		TxType:     def.TxType,
		Context:    sctx,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: w.cfg.MaxRetries,
		Status:     pending.StatusPending,
	}
	if err := w.store.Register(ctx, entry); err != nil {
		return res, err
	}
	w.log.Info("transaction registered",
		zap.String("tx_hash", sctx.TxHash),
		zap.String("tx_type", def.TxType),
		zap.String("entity_type", entityType),
		zap.Bool("on_submit_success", res.Success))
	return res, nil
}

// ListPending returns a snapshot of all tracked entries, oldest first.
func (w *Watcher) ListPending() []pending.Entry {
	return w.store.List()
}

// Dismiss removes a stuck needsAttention or failedPermanent entry on
// operator request.
func (w *Watcher) Dismiss(ctx context.Context, txHash string) error {
	return w.store.Dismiss(ctx, txHash)
}

// StopWatching halts future polling for one entry, e.g. when the caller
// navigates away. Side effects already executed are never undone.
func (w *Watcher) StopWatching(txHash string) {
	w.pauseMu.Lock()
	w.paused[txHash] = struct{}{}
	w.pauseMu.Unlock()
}

func (w *Watcher) isPaused(txHash string) bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	_, ok := w.paused[txHash]
	return ok
}

// Nudge requests an early tick, e.g. when a new block head was observed.
// Coalesces if a nudge is already queued.
func (w *Watcher) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run drives the confirmation loop until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("confirmation watcher starting",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("confirmation watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		case <-w.nudge:
			w.Tick(ctx)
		}
	}
}

// Tick processes one bounded batch of active entries. Work across entries
// fans out up to the concurrency cap; each entry's own side effects stay
// strictly sequential.
func (w *Watcher) Tick(ctx context.Context) {
	batch := make([]pending.Entry, 0, w.cfg.BatchSize)
	for _, e := range w.store.List() {
		if !e.Status.Active() || w.isPaused(e.TxHash) {
			continue
		}
		batch = append(batch, e)
		if len(batch) >= w.cfg.BatchSize {
			break
		}
	}
	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, entry := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(e pending.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (w *Watcher) process(ctx context.Context, entry pending.Entry) {
	switch entry.Status {
	case pending.StatusConfirming:
		// Recovered mid-confirmation (e.g. after a crash); the extracted
		// data is already in the persisted context.
		w.runConfirmation(ctx, entry)
	case pending.StatusNeedsAttention:
		if w.cfg.StaleAfter > 0 {
			if age := time.Since(entry.CreatedAt); age > w.cfg.StaleAfter {
				w.log.Warn("entry needs attention for a long time",
					zap.String("tx_hash", entry.TxHash),
					zap.Duration("age", age))
			}
		}
		// Re-run side effects only; the chain status was already observed.
		w.runConfirmation(ctx, entry)
	case pending.StatusPending:
		w.poll(ctx, entry)
	}
}

func (w *Watcher) poll(ctx context.Context, entry pending.Entry) {
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	status, err := w.chain.Status(pollCtx, entry.TxHash)
	cancel()

	if err != nil {
		newStatus, uerr := w.store.MarkRetry(ctx, entry.TxHash, err)
		if uerr != nil {
			w.log.Error("failed to record poll retry", zap.String("tx_hash", entry.TxHash), zap.Error(uerr))
			return
		}
		if newStatus == pending.StatusFailedPermanent {
			w.log.Error("giving up on transaction after repeated poll failures",
				zap.String("tx_hash", entry.TxHash),
				zap.Int("retries", entry.RetryCount+1),
				zap.Error(err))
			w.emitError(entry, fmt.Errorf("poll retries exhausted: %w", err))
			return
		}
		w.emitRetry(entry, entry.RetryCount+1, err)
		return
	}

	switch {
	case !status.Found:
		if w.cfg.NotFoundDeadline > 0 && time.Since(entry.CreatedAt) > w.cfg.NotFoundDeadline {
			cause := fmt.Errorf("transaction not seen on-chain within %s", w.cfg.NotFoundDeadline)
			if err := w.store.MarkFailedPermanent(ctx, entry.TxHash, cause); err != nil {
				w.log.Error("failed to retire dropped transaction", zap.String("tx_hash", entry.TxHash), zap.Error(err))
				return
			}
			w.emitError(entry, cause)
		}
		// Absence is expected while the transaction propagates.
	case status.Failed:
		cause := fmt.Errorf("transaction reverted on-chain")
		if err := w.store.MarkFailedPermanent(ctx, entry.TxHash, cause); err != nil {
			w.log.Error("failed to retire reverted transaction", zap.String("tx_hash", entry.TxHash), zap.Error(err))
			return
		}
		w.emitError(entry, cause)
	case !status.Confirmed:
		w.log.Debug("transaction found, awaiting depth",
			zap.String("tx_hash", entry.TxHash),
			zap.Uint64("confirmations", status.Confirmations))
	default:
		w.confirm(ctx, entry, status)
	}
}

func (w *Watcher) confirm(ctx context.Context, entry pending.Entry, status chainquery.TxStatus) {
	extracted := map[string]any{}
	if fn, ok := w.extractors[entry.EntityType]; ok {
		var err error
		extracted, err = fn(status.Outputs)
		if err != nil {
			// The outputs did not look as expected; leave the entry
			// pending so the next tick re-polls with fresh outputs.
			w.log.Error("on-chain data extraction failed",
				zap.String("tx_hash", entry.TxHash),
				zap.String("entity_type", entry.EntityType),
				zap.Error(err))
			w.emitError(entry, fmt.Errorf("extraction failed: %w", err))
			return
		}
	}

	// Persist the confirming status and extracted data before running any
	// side effect, so a crash in between resumes instead of losing the
	// confirmation.
	if err := w.store.SetConfirming(ctx, entry.TxHash, extracted); err != nil {
		w.log.Error("failed to mark entry confirming", zap.String("tx_hash", entry.TxHash), zap.Error(err))
		return
	}
	updated, ok := w.store.Get(entry.TxHash)
	if !ok {
		return
	}
	w.runConfirmation(ctx, updated)
}

func (w *Watcher) runConfirmation(ctx context.Context, entry pending.Entry) {
	def, err := w.reg.Get(entry.TxType)
	if err != nil {
		w.failConfirmation(ctx, entry, err)
		return
	}

	res, err := w.exec.ExecuteOnConfirmation(ctx, def.OnConfirmation, entry.Context, effects.Options{})
	if err != nil {
		w.failConfirmation(ctx, entry, err)
		return
	}
	if !res.Success {
		w.failConfirmation(ctx, entry, errors.Join(res.CriticalErrors...))
		return
	}

	if err := w.store.Remove(ctx, entry.TxHash); err != nil {
		w.log.Error("failed to remove confirmed entry", zap.String("tx_hash", entry.TxHash), zap.Error(err))
		return
	}
	w.log.Info("transaction confirmed",
		zap.String("tx_hash", entry.TxHash),
		zap.String("tx_type", entry.TxType),
		zap.String("entity_type", entry.EntityType))
	w.emitConfirmed(entry, res)
}

func (w *Watcher) failConfirmation(ctx context.Context, entry pending.Entry, cause error) {
	if err := w.store.SetNeedsAttention(ctx, entry.TxHash, cause); err != nil {
		w.log.Error("failed to mark entry for attention", zap.String("tx_hash", entry.TxHash), zap.Error(err))
	}
	w.log.Warn("confirmation side effects incomplete",
		zap.String("tx_hash", entry.TxHash),
		zap.String("tx_type", entry.TxType),
		zap.Error(cause))
	w.emitError(entry, cause)
}

func (w *Watcher) emitConfirmed(entry pending.Entry, res *effects.ListResult) {
	w.subMu.RLock()
	for _, cb := range w.subs {
		if cb.OnConfirmed != nil {
			cb.OnConfirmed(entry, res)
		}
	}
	w.subMu.RUnlock()
	if w.events != nil {
		w.events.push(Event{Type: EventConfirmed, Entry: entry})
	}
}

func (w *Watcher) emitError(entry pending.Entry, err error) {
	w.subMu.RLock()
	for _, cb := range w.subs {
		if cb.OnError != nil {
			cb.OnError(entry, err)
		}
	}
	w.subMu.RUnlock()
	if w.events != nil {
		w.events.push(Event{Type: EventFailed, Entry: entry, Err: err})
	}
}

func (w *Watcher) emitRetry(entry pending.Entry, attempt int, err error) {
	w.subMu.RLock()
	for _, cb := range w.subs {
		if cb.OnRetry != nil {
			cb.OnRetry(entry, attempt, err)
		}
	}
	w.subMu.RUnlock()
	if w.events != nil {
		w.events.push(Event{Type: EventRetry, Entry: entry, Err: err})
	}
}
