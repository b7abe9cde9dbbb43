// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blobcache implements PeerBlobCache: a fingerprint-indexed,
// at-most-once-in-flight store for CompressedUpdate bytes fetched from
// peers, round-scoped and purged when the round terminates.
package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"github.com/psyche-network/coordinator"
)

// ErrNotFound names a fingerprint with no cached entry. No Cache method
// returns it: Peek reports a miss through its boolean result.
var ErrNotFound = errors.New("blobcache: fingerprint not present")

// Fingerprint is hash(client_id, batch_id, commitment), the cache key
// spec.md §4.6 assigns to every CompressedUpdate.
type Fingerprint [32]byte

// NewFingerprint derives the fingerprint for a (client, batch,
// commitment) triple.
func NewFingerprint(clientID coordinator.ClientId, batchID coordinator.BatchId, commitment coordinator.Commitment) Fingerprint {
	h := sha256.New()
	h.Write(clientID.Signer[:])
	var step, sub [8]byte
	binary.BigEndian.PutUint64(step[:], uint64(batchID.Step))
	binary.BigEndian.PutUint64(sub[:], batchID.SubIndex)
	h.Write(step[:])
	h.Write(sub[:])
	h.Write(commitment[:])
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func (f Fingerprint) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, len(f)*2)
	for _, b := range f {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}

// Fetcher reaches out to the p2p transport for the compressed update
// owned by clientID for batchID. It is ClientRunLoop's bridge into the
// transport layer; blobcache retries and dedupes calls to it.
type Fetcher interface {
	Fetch(ctx context.Context, clientID coordinator.ClientId, batchID coordinator.BatchId) ([]byte, error)
}

// Cache is PeerBlobCache. A Cache may be reused across rounds, with
// Purge emptying it when a round terminates; it is safe for concurrent
// use by the network thread pool.
type Cache struct {
	fetcher    Fetcher
	maxElapsed time.Duration

	mu      sync.RWMutex
	entries map[Fingerprint][]byte

	group singleflight.Group
}

// New returns a Cache that retries misses against fetcher with
// exponential backoff bounded by maxElapsed (spec.md §4.6: "up to
// config.max_round_train_time").
func New(fetcher Fetcher, maxElapsed time.Duration) *Cache {
	return &Cache{
		fetcher:    fetcher,
		maxElapsed: maxElapsed,
		entries:    make(map[Fingerprint][]byte),
	}
}

// Put stores locally-produced compressed update bytes so the owning
// client can serve them to peers without a round trip through Fetcher.
func (c *Cache) Put(fp Fingerprint, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = data
}

// Peek returns a cached entry without triggering a fetch.
func (c *Cache) Peek(fp Fingerprint) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.entries[fp]
	return data, ok
}

// Get returns the compressed update bytes for (clientID, batchID,
// commitment), fetching from the peer if not already cached. Callers
// racing on the same fingerprint share a single in-flight fetch.
func (c *Cache) Get(ctx context.Context, clientID coordinator.ClientId, batchID coordinator.BatchId, commitment coordinator.Commitment) ([]byte, error) {
	fp := NewFingerprint(clientID, batchID, commitment)
	if data, ok := c.Peek(fp); ok {
		return data, nil
	}

	v, err, _ := c.group.Do(fp.String(), func() (interface{}, error) {
		if data, ok := c.Peek(fp); ok {
			return data, nil
		}
		data, err := c.fetchWithRetry(ctx, clientID, batchID)
		if err != nil {
			return nil, err
		}
		c.Put(fp, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) fetchWithRetry(ctx context.Context, clientID coordinator.ClientId, batchID coordinator.BatchId) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed

	var result []byte
	operation := func() error {
		data, err := c.fetcher.Fetch(ctx, clientID, batchID)
		if err != nil {
			return err
		}
		result = data
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// Purge drops every cached entry. Called when the round terminates;
// entries are round-scoped and never outlive their round.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint][]byte)
}

// Len reports the number of cached entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
