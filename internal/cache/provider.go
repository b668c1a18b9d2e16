package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the key/value contract behind the idempotency ledger. SetNX
// must be atomic across every process sharing the backend.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider stores nothing and grants every claim.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }

// Ledger records which incident dispatched each idempotency key. A key can
// be claimed once per TTL; later claims fail until it expires.
type Ledger struct {
	provider Provider
	prefix   string
	ttl      time.Duration
}

// NewLedger namespaces keys under prefix. A nil provider grants every claim.
func NewLedger(provider Provider, prefix string, ttl time.Duration) *Ledger {
	if provider == nil {
		provider = NoopProvider{}
	}
	return &Ledger{provider: provider, prefix: prefix, ttl: ttl}
}

// Claim reserves key for owner. It reports false when the key was already
// claimed, by this owner or another.
func (l *Ledger) Claim(ctx context.Context, key, owner string) (bool, error) {
	return l.provider.SetNX(ctx, l.prefix+key, []byte(owner), l.ttl)
}

// Owner returns the claimant of key, or ErrCacheMiss.
func (l *Ledger) Owner(ctx context.Context, key string) (string, error) {
	v, err := l.provider.Get(ctx, l.prefix+key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Release drops a claim whose dispatch never reached the backend.
func (l *Ledger) Release(ctx context.Context, key string) error {
	return l.provider.Del(ctx, l.prefix+key)
}
