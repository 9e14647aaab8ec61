package store

import (
	"context"
	"errors"
)

// RecordClient reads and writes records of a platform key-value store.
type RecordClient interface {
	GetRecord(ctx context.Context, storeID, key string) ([]byte, bool, error)
	SetRecord(ctx context.Context, storeID, key string, value []byte) error
}

// PlatformKV keeps the checkpoint in the platform's own key-value store.
type PlatformKV struct {
	client  RecordClient
	storeID string
}

func NewPlatformKV(client RecordClient, storeID string) (*PlatformKV, error) {
	if storeID == "" {
		return nil, errors.New("platform key-value store id is required")
	}
	return &PlatformKV{client: client, storeID: storeID}, nil
}

func (p *PlatformKV) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	return p.client.GetRecord(ctx, p.storeID, key)
}

func (p *PlatformKV) SetValue(ctx context.Context, key string, value []byte) error {
	return p.client.SetRecord(ctx, p.storeID, key, value)
}

func (p *PlatformKV) Close() error { return nil }
