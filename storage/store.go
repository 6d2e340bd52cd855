// Package storage provides snapshot persistence for prospectflow using
// NATS KV. Each workflow owns exactly one key, so no transactional
// multi-key semantics are needed.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketWorkflows = "PROSPECTFLOW_WORKFLOWS"
	BucketCampaigns = "PROSPECTFLOW_CAMPAIGNS"
)

// StateStore persists one serialized snapshot per workflow id. It must be
// durable across process restarts.
type StateStore interface {
	// Save writes the snapshot for the given workflow id.
	Save(ctx context.Context, workflowID string, snapshot []byte) error

	// Load returns the snapshot for the given workflow id, or ErrNotFound.
	Load(ctx context.Context, workflowID string) ([]byte, error)

	// Keys lists every stored workflow id.
	Keys(ctx context.Context) ([]string, error)
}

// KVStore is a StateStore backed by a NATS JetStream KV bucket.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore creates a KVStore on the given bucket, creating the bucket
// if it does not exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Prospectflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// Save writes the snapshot under the workflow id.
func (s *KVStore) Save(ctx context.Context, workflowID string, snapshot []byte) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if _, err := s.kv.Put(ctx, workflowID, snapshot); err != nil {
		return fmt.Errorf("store snapshot %s: %w", workflowID, err)
	}
	return nil
}

// Load returns the snapshot for the workflow id.
func (s *KVStore) Load(ctx context.Context, workflowID string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot %s: %w", workflowID, err)
	}
	return entry.Value(), nil
}

// Keys lists all stored workflow ids.
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot keys: %w", err)
	}
	return keys, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if err == jetstream.ErrKeyNotFound {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}
