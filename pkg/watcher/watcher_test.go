package watcher_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/txflow/pkg/chainquery"
	"github.com/web3ekko/txflow/pkg/effects"
	"github.com/web3ekko/txflow/pkg/pending"
	"github.com/web3ekko/txflow/pkg/txdef"
	"github.com/web3ekko/txflow/pkg/watcher"
)

// fakeChain is a scripted chain query collaborator.
type fakeChain struct {
	mu     sync.Mutex
	status map[string]chainquery.TxStatus
	errs   map[string]error
	calls  map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		status: map[string]chainquery.TxStatus{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeChain) Status(ctx context.Context, txHash string) (chainquery.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[txHash]++
	if err := f.errs[txHash]; err != nil {
		return chainquery.TxStatus{}, err
	}
	return f.status[txHash], nil
}

func (f *fakeChain) set(txHash string, st chainquery.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[txHash] = st
	delete(f.errs, txHash)
}

func (f *fakeChain) fail(txHash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[txHash] = err
}

func (f *fakeChain) callCount(txHash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[txHash]
}

// effectTarget is the side-effect API double; paths can be told to fail.
type effectTarget struct {
	mu     sync.Mutex
	paths  []string
	broken map[string]bool
	server *httptest.Server
}

func newEffectTarget(t *testing.T) *effectTarget {
	et := &effectTarget{broken: map[string]bool{}}
	et.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		et.mu.Lock()
		et.paths = append(et.paths, r.URL.Path)
		failed := et.broken[r.URL.Path]
		et.mu.Unlock()
		if failed {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(et.server.Close)
	return et
}

func (et *effectTarget) breakPath(path string, broken bool) {
	et.mu.Lock()
	et.broken[path] = broken
	et.mu.Unlock()
}

func (et *effectTarget) calls() []string {
	et.mu.Lock()
	defer et.mu.Unlock()
	out := make([]string, len(et.paths))
	copy(out, et.paths)
	return out
}

func testRegistry(t *testing.T) *txdef.Registry {
	reg, err := txdef.NewRegistry(&txdef.Definition{
		TxType: "mint-asset",
		OnSubmit: []txdef.SideEffect{
			{
				Label:  "record-submission",
				Method: http.MethodPost, Endpoint: "/submissions",
				Body: map[string]txdef.ValueSource{"txHash": txdef.FromContext("txHash")},
			},
		},
		OnConfirmation: []txdef.SideEffect{
			{
				Label:  "finalize-asset",
				Method: http.MethodPut, Endpoint: "/assets/{assetName}",
				PathParams: map[string]string{"assetName": "extracted.assetName"},
				Critical:   true,
			},
			{
				Label:  "notify",
				Method: http.MethodPost, Endpoint: "/notifications",
			},
		},
	})
	require.NoError(t, err)
	return reg
}

type fixture struct {
	watcher *watcher.Watcher
	store   *pending.Store
	chain   *fakeChain
	target  *effectTarget
	reg     *txdef.Registry
}

func newFixture(t *testing.T, cfg watcher.Config) *fixture {
	ctx := context.Background()
	store, err := pending.NewStore(ctx, pending.NewMemoryBackend(), nil)
	require.NoError(t, err)

	target := newEffectTarget(t)
	exec := effects.NewExecutor(target.server.URL, "", nil, nil)
	chain := newFakeChain()
	reg := testRegistry(t)

	w, err := watcher.New(reg, store, exec, chain, cfg, nil)
	require.NoError(t, err)
	w.RegisterExtractor("asset", func(outputs []map[string]any) (map[string]any, error) {
		if len(outputs) == 0 {
			return nil, fmt.Errorf("no outputs")
		}
		name, ok := outputs[0]["asset_name"]
		if !ok {
			return nil, fmt.Errorf("no asset name in outputs")
		}
		return map[string]any{"assetName": name}, nil
	})
	return &fixture{watcher: w, store: store, chain: chain, target: target, reg: reg}
}

func (f *fixture) register(t *testing.T, txHash string) {
	def, err := f.reg.Get("mint-asset")
	require.NoError(t, err)
	sctx := txdef.SubmissionContext{
		TxHash:      txHash,
		BuildInputs: map[string]any{"assetId": "a-1"},
		Timestamp:   time.Now().UTC(),
	}
	res, err := f.watcher.RegisterSubmitted(context.Background(), def, sctx, "asset", "a-1", effects.Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func confirmedStatus(assetName string) chainquery.TxStatus {
	return chainquery.TxStatus{
		Found:         true,
		Confirmed:     true,
		Confirmations: 10,
		Outputs:       []map[string]any{{"asset_name": assetName}},
	}
}

func TestRegisterSubmitted(t *testing.T) {
	f := newFixture(t, watcher.Config{MaxRetries: 3})
	f.register(t, "0xaaa")

	assert.Equal(t, []string{"/submissions"}, f.target.calls())
	require.Len(t, f.watcher.ListPending(), 1)
	entry := f.watcher.ListPending()[0]
	assert.Equal(t, pending.StatusPending, entry.Status)
	assert.Equal(t, 3, entry.MaxRetries)

	// Same hash again: still exactly one entry.
	f.register(t, "0xaaa")
	assert.Len(t, f.watcher.ListPending(), 1)
}

func TestRegisterSubmitted_ResolutionErrorDoesNotInsert(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	reg, err := txdef.NewRegistry(&txdef.Definition{
		TxType: "broken",
		OnSubmit: []txdef.SideEffect{
			{
				Label:  "bad-path",
				Method: http.MethodPost, Endpoint: "/things/{id}",
				PathParams: map[string]string{"id": "buildInputs.missing"},
			},
		},
	})
	require.NoError(t, err)
	def, err := reg.Get("broken")
	require.NoError(t, err)

	_, err = f.watcher.RegisterSubmitted(context.Background(),
		def, txdef.SubmissionContext{TxHash: "0xbad"}, "asset", "a-1", effects.Options{})
	require.Error(t, err)
	assert.Empty(t, f.watcher.ListPending())
}

func TestTick_ConfirmedEntryRunsEffectsAndIsRemoved(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))

	var confirmed []pending.Entry
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnConfirmed: func(e pending.Entry, res *effects.ListResult) {
			confirmed = append(confirmed, e)
			assert.True(t, res.Success)
		},
	})
	defer unsub()

	f.watcher.Tick(context.Background())

	// The extracted asset name flowed into the endpoint template.
	assert.Equal(t, []string{"/submissions", "/assets/gold", "/notifications"}, f.target.calls())
	assert.Empty(t, f.watcher.ListPending())
	require.Len(t, confirmed, 1)
	assert.Equal(t, "0xaaa", confirmed[0].TxHash)
}

func TestTick_CriticalFailureKeepsEntryForRetry(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))
	f.target.breakPath("/assets/gold", true)

	var failures []error
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnError: func(e pending.Entry, err error) { failures = append(failures, err) },
	})
	defer unsub()

	f.watcher.Tick(context.Background())

	entry, ok := f.store.Get("0xaaa")
	require.True(t, ok)
	assert.Equal(t, pending.StatusNeedsAttention, entry.Status)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, f.chain.callCount("0xaaa"))

	// Next tick re-runs the side effects without re-polling the chain.
	f.watcher.Tick(context.Background())
	assert.Equal(t, 1, f.chain.callCount("0xaaa"))
	entry, _ = f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusNeedsAttention, entry.Status)

	// Once the API recovers, the idempotent re-run completes and the
	// entry leaves the store.
	f.target.breakPath("/assets/gold", false)
	f.watcher.Tick(context.Background())
	assert.Empty(t, f.watcher.ListPending())
	assert.Equal(t, 1, f.chain.callCount("0xaaa"))
}

func TestTick_NonCriticalFailureStillConfirms(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))
	f.target.breakPath("/notifications", true)

	f.watcher.Tick(context.Background())

	// "confirmed with pending updates": the non-critical notify failed
	// but the entry is done.
	assert.Empty(t, f.watcher.ListPending())
}

func TestTick_TransportErrorsExhaustRetryBudget(t *testing.T) {
	f := newFixture(t, watcher.Config{MaxRetries: 2})
	f.register(t, "0xaaa")
	f.chain.fail("0xaaa", errors.New("rpc down"))

	var retries []int
	var failed []pending.Entry
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnRetry: func(e pending.Entry, attempt int, err error) { retries = append(retries, attempt) },
		OnError: func(e pending.Entry, err error) { failed = append(failed, e) },
	})
	defer unsub()

	f.watcher.Tick(context.Background())
	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, []int{1}, retries)

	f.watcher.Tick(context.Background())
	entry, _ = f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusFailedPermanent, entry.Status)
	require.Len(t, failed, 1)

	// Retired entries are excluded from polling but not discarded.
	f.watcher.Tick(context.Background())
	assert.Equal(t, 2, f.chain.callCount("0xaaa"))
	assert.Len(t, f.watcher.ListPending(), 1)
}

func TestTick_NotFoundIsNotAnError(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", chainquery.TxStatus{Found: false})

	f.watcher.Tick(context.Background())
	f.watcher.Tick(context.Background())

	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
}

func TestTick_FoundButShallowIsNoChange(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", chainquery.TxStatus{Found: true, Confirmations: 2})

	f.watcher.Tick(context.Background())

	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	// No confirmation side effects ran.
	assert.Equal(t, []string{"/submissions"}, f.target.calls())
}

func TestTick_NotFoundDeadlineRetiresDroppedTx(t *testing.T) {
	f := newFixture(t, watcher.Config{NotFoundDeadline: time.Nanosecond})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", chainquery.TxStatus{Found: false})

	var failed []error
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnError: func(e pending.Entry, err error) { failed = append(failed, err) },
	})
	defer unsub()

	time.Sleep(time.Millisecond)
	f.watcher.Tick(context.Background())

	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusFailedPermanent, entry.Status)
	require.Len(t, failed, 1)
	assert.ErrorContains(t, failed[0], "not seen on-chain")
}

func TestTick_RevertedTxIsRetired(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", chainquery.TxStatus{Found: true, Failed: true})

	var failed []error
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnError: func(e pending.Entry, err error) { failed = append(failed, err) },
	})
	defer unsub()

	f.watcher.Tick(context.Background())

	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusFailedPermanent, entry.Status)
	require.Len(t, failed, 1)
	assert.ErrorContains(t, failed[0], "reverted")
	// Confirmation side effects never ran for the reverted tx.
	assert.Equal(t, []string{"/submissions"}, f.target.calls())
}

func TestTick_ExtractionFailureLeavesEntryPending(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	// Confirmed, but without the output the extractor needs.
	f.chain.set("0xaaa", chainquery.TxStatus{
		Found: true, Confirmed: true,
		Outputs: []map[string]any{{"unexpected": true}},
	})

	var failed []error
	_, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnError: func(e pending.Entry, err error) { failed = append(failed, err) },
	})
	defer unsub()

	f.watcher.Tick(context.Background())

	// Pending, so the next tick re-polls with fresh outputs.
	entry, _ := f.store.Get("0xaaa")
	assert.Equal(t, pending.StatusPending, entry.Status)
	require.Len(t, failed, 1)
	assert.ErrorContains(t, failed[0], "extraction failed")

	f.chain.set("0xaaa", confirmedStatus("gold"))
	f.watcher.Tick(context.Background())
	assert.Empty(t, f.watcher.ListPending())
}

func TestStopWatching(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))

	f.watcher.StopWatching("0xaaa")
	f.watcher.Tick(context.Background())

	assert.Equal(t, 0, f.chain.callCount("0xaaa"))
	// The entry itself stays tracked.
	assert.Len(t, f.watcher.ListPending(), 1)
}

func TestSubscribe_UnsubscribeStopsCallbacks(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))

	count := 0
	id, unsub := f.watcher.Subscribe(watcher.Callbacks{
		OnConfirmed: func(pending.Entry, *effects.ListResult) { count++ },
	})
	assert.NotEmpty(t, id)
	unsub()

	f.watcher.Tick(context.Background())
	assert.Equal(t, 0, count)
}

func TestTick_BatchSizeBounds(t *testing.T) {
	f := newFixture(t, watcher.Config{BatchSize: 1, Concurrency: 1})
	f.register(t, "0xaaa")
	f.register(t, "0xbbb")
	f.chain.set("0xaaa", chainquery.TxStatus{Found: false})
	f.chain.set("0xbbb", chainquery.TxStatus{Found: false})

	f.watcher.Tick(context.Background())

	// Oldest-first fairness: only the first registered entry was polled.
	assert.Equal(t, 1, f.chain.callCount("0xaaa"))
	assert.Equal(t, 0, f.chain.callCount("0xbbb"))
}

func TestEventSource_ReceivesLifecycleEvents(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	src := watcher.NewEventSource(8, nil)
	f.watcher.AttachEvents(src)

	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))
	f.watcher.Tick(context.Background())

	select {
	case raw := <-src.Out():
		ev, ok := raw.(watcher.Event)
		require.True(t, ok)
		assert.Equal(t, watcher.EventConfirmed, ev.Type)
		assert.Equal(t, "0xaaa", ev.Entry.TxHash)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	src.Close()
}

func TestRun_TicksOnNudge(t *testing.T) {
	f := newFixture(t, watcher.Config{Interval: time.Hour})
	f.register(t, "0xaaa")
	f.chain.set("0xaaa", confirmedStatus("gold"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	f.watcher.Nudge()
	require.Eventually(t, func() bool {
		return len(f.watcher.ListPending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
