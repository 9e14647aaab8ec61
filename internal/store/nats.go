package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultKVBucket is used when no bucket name is configured.
const DefaultKVBucket = "REBIRTH_STATE"

// NATSKV stores values in a JetStream key-value bucket.
type NATSKV struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewNATSKV connects to NATS and opens (creating if needed) the bucket.
func NewNATSKV(ctx context.Context, url, bucket string) (*NATSKV, error) {
	if bucket == "" {
		bucket = DefaultKVBucket
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "queue-rebirth run stats checkpoints",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening KV bucket %s: %w", bucket, err)
	}
	return &NATSKV{nc: nc, kv: kv}, nil
}

// kvKey maps a key onto the JetStream key alphabet.
func kvKey(key string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_").Replace(key)
}

func (n *NATSKV) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nats kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (n *NATSKV) SetValue(ctx context.Context, key string, value []byte) error {
	if _, err := n.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("nats kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
