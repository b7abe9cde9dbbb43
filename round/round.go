// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package round implements RoundState: the per-round accumulator of
// expected batches, received commitments, and downloaded results, plus
// the commitment/result verification rules.
package round

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/crypto"

	"github.com/psyche-network/coordinator"
)

var (
	// ErrUnexpectedBatch is returned when a (client, batch) pair was not
	// produced by the round's data_assignment.
	ErrUnexpectedBatch = errors.New("round: batch not in expected_batches")

	// ErrConflictingCommitment is returned when a second, different
	// commitment arrives for an already-committed (client, batch) pair.
	ErrConflictingCommitment = errors.New("round: conflicting commitment already recorded")

	// ErrBadSignature is returned when a commitment's signature does
	// not verify under the claimed client's signer key.
	ErrBadSignature = errors.New("round: bad commitment signature")

	// ErrNoCommitment is returned by on_result when no commitment was
	// ever recorded for the (client, batch) pair.
	ErrNoCommitment = errors.New("round: result with no prior commitment")
)

// State is the per-round accumulator. Not safe for concurrent use
// without external synchronization; its caller (the Coordinator) owns
// the locking.
type State struct {
	Index     coordinator.RoundIndex
	StartedAt time.Time
	Deadline  time.Time

	// ExpectedBatches is the output of assignment.DataAssignment for
	// the round's step.
	ExpectedBatches map[coordinator.BatchId]coordinator.ClientId

	commitments map[coordinator.BatchId]coordinator.Commitment
	downloaded  map[coordinator.BatchId]struct{}

	WitnessProofs []coordinator.WitnessProof
}

// New starts a fresh round accumulator.
func New(index coordinator.RoundIndex, startedAt time.Time, deadline time.Time, expected map[coordinator.BatchId]coordinator.ClientId) *State {
	return &State{
		Index:           index,
		StartedAt:       startedAt,
		Deadline:        deadline,
		ExpectedBatches: expected,
		commitments:     make(map[coordinator.BatchId]coordinator.Commitment, len(expected)),
		downloaded:      make(map[coordinator.BatchId]struct{}, len(expected)),
	}
}

// OnCommitment verifies sig over commitment[:] under clientID's signer
// key and, if the (clientID, batchID) pair is expected and not already
// recorded with a different commitment, records it.
func (s *State) OnCommitment(clientID coordinator.ClientId, batchID coordinator.BatchId, commitment coordinator.Commitment, sig []byte) error {
	owner, ok := s.ExpectedBatches[batchID]
	if !ok || owner != clientID {
		return fmt.Errorf("%w: client=%s batch=%+v", ErrUnexpectedBatch, clientID, batchID)
	}
	if !ed25519.Verify(clientID.Signer[:], commitment[:], sig) {
		return ErrBadSignature
	}
	if existing, ok := s.commitments[batchID]; ok && existing != commitment {
		return ErrConflictingCommitment
	}
	s.commitments[batchID] = commitment
	return nil
}

// OnResult checks bytes hashes to the stored commitment for (clientID,
// batchID) and, if so, marks the batch downloaded.
func (s *State) OnResult(clientID coordinator.ClientId, batchID coordinator.BatchId, resultBytes []byte) error {
	owner, ok := s.ExpectedBatches[batchID]
	if !ok || owner != clientID {
		return fmt.Errorf("%w: client=%s batch=%+v", ErrUnexpectedBatch, clientID, batchID)
	}
	commitment, ok := s.commitments[batchID]
	if !ok {
		return ErrNoCommitment
	}
	if !bytes.Equal(crypto.Keccak256(resultBytes), commitment[:]) {
		return fmt.Errorf("%w: client=%s batch=%+v", coordinator.ErrCommitmentMismatch, clientID, batchID)
	}
	s.downloaded[batchID] = struct{}{}
	return nil
}

// WitnessReady reports whether every expected batch has both a
// recorded commitment and a recorded download.
func (s *State) WitnessReady() bool {
	for batchID := range s.ExpectedBatches {
		if _, ok := s.commitments[batchID]; !ok {
			return false
		}
		if _, ok := s.downloaded[batchID]; !ok {
			return false
		}
	}
	return true
}

// Commitment returns the recorded commitment for a batch, if any.
func (s *State) Commitment(batchID coordinator.BatchId) (coordinator.Commitment, bool) {
	c, ok := s.commitments[batchID]
	return c, ok
}

// Downloaded reports whether a batch's result has been verified.
func (s *State) Downloaded(batchID coordinator.BatchId) bool {
	_, ok := s.downloaded[batchID]
	return ok
}

// AddWitnessProof appends an already-validated proof. The Coordinator
// is responsible for rejecting duplicate signers before calling this.
func (s *State) AddWitnessProof(proof coordinator.WitnessProof) {
	s.WitnessProofs = append(s.WitnessProofs, proof)
}
