// Package storage provides the key-value capability used to persist
// experiment assignments and visitor identifiers.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("not found")

// KV is a minimal string key-value store. Any error other than ErrNotFound
// means the store is unavailable.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Prefixed namespaces every key of an underlying store, e.g. to keep one
// visitor's assignments apart from another's in a shared backend.
type Prefixed struct {
	KV     KV
	Prefix string
}

func (p Prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.KV.Get(ctx, p.Prefix+key)
}

func (p Prefixed) Set(ctx context.Context, key, value string) error {
	return p.KV.Set(ctx, p.Prefix+key, value)
}

// ForVisitor returns a view of kv scoped to a single visitor.
func ForVisitor(kv KV, visitorID string) KV {
	return Prefixed{KV: kv, Prefix: "visitor:" + visitorID + ":"}
}
