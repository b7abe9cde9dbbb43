// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package witness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

func testClient(b byte) coordinator.ClientId {
	var c coordinator.ClientId
	c.Signer[0] = b
	c.P2PIdentity[0] = b
	return c
}

func TestFilterAddContains(t *testing.T) {
	params := config.BloomParams{M: 4096, K: 6}
	f := NewFilter(params)

	a, b, c := testClient(1), testClient(2), testClient(3)
	f.Add(clientKey(a))
	f.Add(clientKey(b))

	require.True(t, f.Contains(clientKey(a)))
	require.True(t, f.Contains(clientKey(b)))
	require.False(t, f.Contains(clientKey(c)))
}

func TestBuilderReadyRequiresCommitAndDownload(t *testing.T) {
	params := config.BloomParams{M: 4096, K: 6}
	witness := testClient(9)
	a := testClient(1)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}

	b := NewBuilder(witness, 0, params)
	expected := []struct {
		Client coordinator.ClientId
		Batch  coordinator.BatchId
	}{{Client: a, Batch: batch}}

	require.False(t, b.Ready(expected))

	b.ObserveCommitment(a)
	require.False(t, b.Ready(expected))

	b.ObserveDownload(a, batch)
	require.True(t, b.Ready(expected))
}

func TestBuildAndValidateRoundTrip(t *testing.T) {
	params := config.BloomParams{M: 4096, K: 6}
	witness := testClient(9)
	a := testClient(1)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}

	b := NewBuilder(witness, 0, params)
	b.ObserveCommitment(a)
	b.ObserveDownload(a, batch)

	proof, err := b.Build(true)
	require.NoError(t, err)
	require.True(t, proof.Opportunistic)
	require.NoError(t, Validate(proof, params))

	present, err := ContainsClient(proof, params, a)
	require.NoError(t, err)
	require.True(t, present)

	absent, err := ContainsClient(proof, params, testClient(42))
	require.NoError(t, err)
	require.False(t, absent)
}

func TestValidateRejectsMismatchedParams(t *testing.T) {
	params := config.BloomParams{M: 4096, K: 6}
	other := config.BloomParams{M: 2048, K: 6}

	b := NewBuilder(testClient(9), 0, params)
	proof, err := b.Build(false)
	require.NoError(t, err)

	err = Validate(proof, other)
	require.ErrorIs(t, err, coordinator.ErrMalformedBloom)
}

func TestQuorumMet(t *testing.T) {
	params := config.BloomParams{M: 4096, K: 6}
	clientA, clientB, clientC := testClient(1), testClient(2), testClient(3)
	expected := []coordinator.ClientId{clientA, clientB, clientC}

	makeProof := func(witnessID coordinator.ClientId, seen ...coordinator.ClientId) coordinator.WitnessProof {
		b := NewBuilder(witnessID, 0, params)
		for _, c := range seen {
			b.ObserveCommitment(c)
		}
		proof, err := b.Build(false)
		require.NoError(t, err)
		return proof
	}

	// witness set size 3 -> quorum = ceil(3*2/3) = 2.
	full1 := makeProof(testClient(10), clientA, clientB, clientC)
	full2 := makeProof(testClient(11), clientA, clientB, clientC)
	partial := makeProof(testClient(12), clientA, clientB)

	require.False(t, QuorumMet([]coordinator.WitnessProof{full1, partial}, params, expected, 3))
	require.True(t, QuorumMet([]coordinator.WitnessProof{full1, full2, partial}, params, expected, 3))
}
