// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package round

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/luxfi/crypto"
	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
)

type signedClient struct {
	id   coordinator.ClientId
	priv ed25519.PrivateKey
}

func newSignedClient(t *testing.T) signedClient {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var id coordinator.ClientId
	copy(id.Signer[:], pub)
	return signedClient{id: id, priv: priv}
}

func TestOnCommitmentRejectsUnexpectedBatch(t *testing.T) {
	a := newSignedClient(t)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	s := New(0, time.Now(), time.Now().Add(time.Minute), map[coordinator.BatchId]coordinator.ClientId{})

	var commitment coordinator.Commitment
	sig := ed25519.Sign(a.priv, commitment[:])
	err := s.OnCommitment(a.id, batch, commitment, sig)
	require.ErrorIs(t, err, ErrUnexpectedBatch)
}

func TestOnCommitmentRejectsBadSignature(t *testing.T) {
	a := newSignedClient(t)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	expected := map[coordinator.BatchId]coordinator.ClientId{batch: a.id}
	s := New(0, time.Now(), time.Now().Add(time.Minute), expected)

	var commitment coordinator.Commitment
	err := s.OnCommitment(a.id, batch, commitment, []byte("not-a-signature"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestOnCommitmentThenOnResult(t *testing.T) {
	a := newSignedClient(t)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	expected := map[coordinator.BatchId]coordinator.ClientId{batch: a.id}
	s := New(0, time.Now(), time.Now().Add(time.Minute), expected)

	resultBytes := []byte("training output")
	var commitment coordinator.Commitment
	copy(commitment[:], crypto.Keccak256(resultBytes))

	sig := ed25519.Sign(a.priv, commitment[:])
	require.NoError(t, s.OnCommitment(a.id, batch, commitment, sig))
	require.False(t, s.WitnessReady())

	require.NoError(t, s.OnResult(a.id, batch, resultBytes))
	require.True(t, s.WitnessReady())
	require.True(t, s.Downloaded(batch))
}

func TestOnResultRejectsCommitmentMismatch(t *testing.T) {
	a := newSignedClient(t)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	expected := map[coordinator.BatchId]coordinator.ClientId{batch: a.id}
	s := New(0, time.Now(), time.Now().Add(time.Minute), expected)

	var commitment coordinator.Commitment
	copy(commitment[:], crypto.Keccak256([]byte("expected output")))
	sig := ed25519.Sign(a.priv, commitment[:])
	require.NoError(t, s.OnCommitment(a.id, batch, commitment, sig))

	err := s.OnResult(a.id, batch, []byte("tampered output"))
	require.ErrorIs(t, err, coordinator.ErrCommitmentMismatch)
}

func TestOnCommitmentRejectsConflict(t *testing.T) {
	a := newSignedClient(t)
	batch := coordinator.BatchId{Step: 0, SubIndex: 0}
	expected := map[coordinator.BatchId]coordinator.ClientId{batch: a.id}
	s := New(0, time.Now(), time.Now().Add(time.Minute), expected)

	var c1 coordinator.Commitment
	c1[0] = 1
	sig1 := ed25519.Sign(a.priv, c1[:])
	require.NoError(t, s.OnCommitment(a.id, batch, c1, sig1))

	var c2 coordinator.Commitment
	c2[0] = 2
	sig2 := ed25519.Sign(a.priv, c2[:])
	err := s.OnCommitment(a.id, batch, c2, sig2)
	require.ErrorIs(t, err, ErrConflictingCommitment)
}
