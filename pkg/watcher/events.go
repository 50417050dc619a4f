package watcher

import (
	"sync"

	"github.com/reugn/go-streams"
	"github.com/reugn/go-streams/flow"
	"go.uber.org/zap"

	"github.com/web3ekko/txflow/pkg/effects"
	"github.com/web3ekko/txflow/pkg/pending"
)

// Callbacks receive lifecycle notifications for watched entries. Any field
// may be nil.
type Callbacks struct {
	// OnConfirmed fires after an entry's onConfirmation list fully
	// succeeded and the entry was removed.
	OnConfirmed func(entry pending.Entry, result *effects.ListResult)
	// OnError fires when an entry needs attention or was retired
	// permanently.
	OnError func(entry pending.Entry, err error)
	// OnRetry fires on each poll transport error below the retry cap.
	OnRetry func(entry pending.Entry, attempt int, err error)
}

// EventType tags events emitted on the stream source.
type EventType string

const (
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
	EventRetry     EventType = "retry"
)

// Event is the stream-facing form of a lifecycle notification.
type Event struct {
	Type  EventType
	Entry pending.Entry
	Err   error
}

// EventSource exposes watcher events as a go-streams Source so consumers
// can pipe confirmations into a processing flow. Events are dropped, not
// blocked on, when the buffer is full; the synchronous Callbacks interface
// is the lossless path.
type EventSource struct {
	out     chan any
	dropped int
	mu      sync.Mutex
	log     *zap.Logger
}

// NewEventSource creates a source with the given buffer size.
func NewEventSource(buffer int, logger *zap.Logger) *EventSource {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSource{out: make(chan any, buffer), log: logger}
}

// Out implements streams.Outlet.
func (s *EventSource) Out() <-chan any {
	return s.out
}

// Via implements streams.Source.
func (s *EventSource) Via(operator streams.Flow) streams.Flow {
	flow.DoStream(s, operator)
	return operator
}

// Close stops the source; no events are emitted afterwards.
func (s *EventSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
}

func (s *EventSource) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	select {
	case s.out <- e:
	default:
		s.dropped++
		s.log.Warn("event stream full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("tx_hash", e.Entry.TxHash),
			zap.Int("dropped_total", s.dropped))
	}
}
