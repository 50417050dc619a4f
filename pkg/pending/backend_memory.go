package pending

import "context"

// MemoryBackend keeps the entry set in process memory. It exists for tests
// and for callers that accept losing the pending set on restart.
type MemoryBackend struct {
	entries []Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// GetAll implements Backend.
func (b *MemoryBackend) GetAll(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

// SetAll implements Backend.
func (b *MemoryBackend) SetAll(ctx context.Context, entries []Entry) error {
	b.entries = make([]Entry, len(entries))
	copy(b.entries, entries)
	return nil
}
