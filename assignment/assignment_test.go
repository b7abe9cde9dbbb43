// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package assignment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
)

func client(b byte) coordinator.ClientId {
	var c coordinator.ClientId
	c.Signer[0] = b
	return c
}

func TestSeedIsDeterministic(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	a := Seed(seed, 5, PurposeWitness)
	b := Seed(seed, 5, PurposeWitness)
	require.Equal(t, a, b)

	c := Seed(seed, 6, PurposeWitness)
	require.NotEqual(t, a, c)

	d := Seed(seed, 5, PurposeData)
	require.NotEqual(t, a, d)
}

func TestWitnessSetDeterministicAndDistinct(t *testing.T) {
	seed := [32]byte{9, 9, 9}
	clients := []coordinator.ClientId{client(1), client(2), client(3), client(4), client(5)}

	a := WitnessSet(seed, 0, clients, 2)
	b := WitnessSet(seed, 0, clients, 2)
	require.Equal(t, a, b)
	require.Len(t, a, 2)
	require.NotEqual(t, a[0], a[1])
}

func TestWitnessSetAllWhenZero(t *testing.T) {
	seed := [32]byte{9, 9, 9}
	clients := []coordinator.ClientId{client(1), client(2), client(3)}
	out := WitnessSet(seed, 0, clients, 0)
	require.ElementsMatch(t, clients, out)
}

func TestDataAssignmentCoversEveryBatch(t *testing.T) {
	seed := [32]byte{4, 5, 6}
	clients := []coordinator.ClientId{client(1), client(2), client(3)}

	assignment := DataAssignment(seed, 0, 0, clients, 4)
	require.Len(t, assignment, 4)
	for i := uint64(0); i < 4; i++ {
		_, ok := assignment[coordinator.BatchId{Step: 0, SubIndex: i}]
		require.True(t, ok)
	}
}

func TestDataAssignmentDeterministicAcrossParticipants(t *testing.T) {
	seed := [32]byte{4, 5, 6}
	clients := []coordinator.ClientId{client(1), client(2), client(3)}

	a := DataAssignment(seed, 2, 7, clients, 10)
	b := DataAssignment(seed, 2, 7, clients, 10)
	require.Equal(t, a, b)
}

func TestTokenPermutationDeterministicAndFull(t *testing.T) {
	seed := [32]byte{1, 1, 2, 3}
	a := TokenPermutation(seed, 8)
	b := TokenPermutation(seed, 8)
	require.Equal(t, a, b)

	seen := make(map[int]bool, 8)
	for _, v := range a {
		seen[v] = true
	}
	require.Len(t, seen, 8)
}

func TestCheckpointerSetSize(t *testing.T) {
	seed := [32]byte{7}
	clients := []coordinator.ClientId{client(1), client(2), client(3), client(4), client(5), client(6)}
	out := CheckpointerSet(seed, 0, clients, 2)
	require.Len(t, out, 2)
}
