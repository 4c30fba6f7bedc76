// Package kvstore provides the shared NATS JetStream KV bucket helper used
// by every component that persists documents (events, tasks, workflow
// instances, outbox requests), so the get-or-create dance isn't duplicated
// per bucket.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when a lookup finds no matching key.
var ErrNotFound = errors.New("kvstore: not found")

// GetOrCreateBucket returns the named KV bucket, creating it with the given
// history depth if it does not yet exist.
func GetOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("busd %s storage", strings.ToLower(name)),
		History:     history,
	})
}

// IsNotFound reports whether err represents a missing JetStream KV key.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found")
}
