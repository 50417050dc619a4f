package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSKey is the key the NATS KV backend stores the entry set under.
const DefaultNATSKey = "entries"

// NATSKVBackend persists the entry set in a NATS JetStream key-value
// bucket, for deployments that already run NATS and do not want a Redis
// dependency just for the pending set.
type NATSKVBackend struct {
	kv  nats.KeyValue
	key string
}

// NewNATSKVBackend creates a backend on an existing KV bucket. An empty key
// selects DefaultNATSKey.
func NewNATSKVBackend(kv nats.KeyValue, key string) *NATSKVBackend {
	if key == "" {
		key = DefaultNATSKey
	}
	return &NATSKVBackend{kv: kv, key: key}
}

// GetAll implements Backend. A missing key is an empty set.
func (b *NATSKVBackend) GetAll(ctx context.Context) ([]Entry, error) {
	kve, err := b.kv.Get(b.key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from kv bucket: %w", b.key, err)
	}
	var entries []Entry
	if err := json.Unmarshal(kve.Value(), &entries); err != nil {
		return nil, fmt.Errorf("corrupt pending set at %s: %w", b.key, err)
	}
	return entries, nil
}

// SetAll implements Backend.
func (b *NATSKVBackend) SetAll(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode pending set: %w", err)
	}
	if _, err := b.kv.Put(b.key, data); err != nil {
		return fmt.Errorf("failed to write %s to kv bucket: %w", b.key, err)
	}
	return nil
}
