// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
)

func testClient(b byte) coordinator.ClientId {
	var c coordinator.ClientId
	c.Signer[0] = b
	return c
}

func TestStubBackendTrainIsDeterministic(t *testing.T) {
	b := &StubBackend{Chunks: 2, TopK: 2}
	client := testClient(1)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	batchBytes := []byte("tokens-for-batch-0")

	c1, u1, err := b.Train(context.Background(), client, batch, nil, batchBytes)
	require.NoError(t, err)
	c2, u2, err := b.Train(context.Background(), client, batch, nil, batchBytes)
	require.NoError(t, err)

	require.Equal(t, c1, c2)
	require.Equal(t, u1, u2)
}

func TestStubBackendCommitmentMatchesExternalRecompute(t *testing.T) {
	b := &StubBackend{Chunks: 1, TopK: 4}
	client := testClient(2)
	batch := coordinator.BatchId{Step: 3, SubIndex: 1}

	commitment, update, err := b.Train(context.Background(), client, batch, nil, []byte("data"))
	require.NoError(t, err)

	recomputed, err := Commitment(update, client, batch)
	require.NoError(t, err)
	require.Equal(t, commitment, recomputed)
}

func TestStubBackendApplyUpdatesInPlace(t *testing.T) {
	b := &StubBackend{}
	weights := []float32{1, 2}
	b.Apply(weights, []float32{1, 1}, 0.5)
	require.Equal(t, []float32{0.5, 1.5}, weights)
}
