// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package trainer implements the TrainerBackend contract (spec.md
// §6): train one batch into a (commitment, compressed_update) pair,
// and apply an aggregated update to weights in place. The actual
// forward/backward pass is out of scope (Non-goal); this package
// contracts the interface and the commitment derivation only.
package trainer

import (
	"context"
	"encoding/binary"

	"github.com/luxfi/crypto"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/aggregator"
	"github.com/psyche-network/coordinator/config"
)

// Backend is the TrainerBackend contract: train a batch into an
// update, and apply an aggregated update to weights in place.
type Backend interface {
	Train(ctx context.Context, clientID coordinator.ClientId, batch coordinator.BatchId, weights []float32, batchBytes []byte) (coordinator.Commitment, aggregator.CompressedUpdate, error)
	Apply(weights []float32, aggregated []float32, lr float64)
}

// Commitment derives commitment = H(compressed_update || client_id ||
// batch_id), per spec.md §6. H is github.com/luxfi/crypto's Keccak256,
// matching round.State.OnResult's commitment check.
func Commitment(update aggregator.CompressedUpdate, clientID coordinator.ClientId, batch coordinator.BatchId) (coordinator.Commitment, error) {
	updateBytes, err := update.MarshalBinary()
	if err != nil {
		return coordinator.Commitment{}, err
	}

	var buf []byte
	buf = append(buf, updateBytes...)
	buf = append(buf, clientID.Signer[:]...)
	buf = append(buf, clientID.P2PIdentity[:]...)
	var stepBuf, subBuf [8]byte
	binary.BigEndian.PutUint64(stepBuf[:], uint64(batch.Step))
	binary.BigEndian.PutUint64(subBuf[:], batch.SubIndex)
	buf = append(buf, stepBuf[:]...)
	buf = append(buf, subBuf[:]...)

	var commitment coordinator.Commitment
	copy(commitment[:], crypto.Keccak256(buf))
	return commitment, nil
}

// StubBackend is a TrainerBackend that performs no real computation:
// it produces a deterministic, syntactically valid CompressedUpdate
// from batchBytes, for integration tests and local smoke runs where
// no GPU trainer is wired in.
type StubBackend struct {
	Chunks, TopK uint32
}

var _ Backend = (*StubBackend)(nil)

// Train implements Backend by hashing batchBytes into Chunks*TopK
// sparse index/amplitude pairs. It never reads weights; a real
// trainer would forward/backward through them.
func (b *StubBackend) Train(ctx context.Context, clientID coordinator.ClientId, batch coordinator.BatchId, weights []float32, batchBytes []byte) (coordinator.Commitment, aggregator.CompressedUpdate, error) {
	n := int(b.Chunks * b.TopK)
	update := aggregator.CompressedUpdate{
		Indices:    make([]uint32, n),
		Amplitudes: make([]float32, n),
		Scale:      1,
	}
	digest := crypto.Keccak256(batchBytes)
	for i := 0; i < n; i++ {
		update.Indices[i] = uint32(i)
		if digest[i%len(digest)]&1 == 0 {
			update.Amplitudes[i] = 1
		} else {
			update.Amplitudes[i] = -1
		}
	}

	if err := update.Validate(config.OptimizerParams{Chunks: b.Chunks, TopK: b.TopK}); err != nil {
		return coordinator.Commitment{}, aggregator.CompressedUpdate{}, err
	}

	commitment, err := Commitment(update, clientID, batch)
	if err != nil {
		return coordinator.Commitment{}, aggregator.CompressedUpdate{}, err
	}
	return commitment, update, nil
}

// Apply performs x_{t+1} = x_t - lr*aggregated in place, delegating to
// aggregator.Apply so both code paths share one update rule.
func (b *StubBackend) Apply(weights []float32, aggregated []float32, lr float64) {
	aggregator.Apply(weights, aggregated, lr)
}
