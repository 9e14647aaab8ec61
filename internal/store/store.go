// Package store provides key-value backends for the RunStats checkpoint.
package store

import "context"

// Backend persists opaque values by key.
type Backend interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte) error
	Close() error
}
