// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import "errors"

var (
	// ErrInvalidRunId is returned when a RunId fails its length bound.
	ErrInvalidRunId = errors.New("coordinator: invalid run id")

	// ErrNotAuthorized is returned by admit when the authorizer proof
	// does not check out.
	ErrNotAuthorized = errors.New("coordinator: not authorized")

	// ErrAlreadyMember is returned by admit when the client is already
	// in epoch.clients or pending_clients.
	ErrAlreadyMember = errors.New("coordinator: already a member")

	// ErrRunPaused is returned by admit while the run is paused.
	ErrRunPaused = errors.New("coordinator: run is paused")

	// ErrRunFinished is returned by admit after the run has reached
	// Finished.
	ErrRunFinished = errors.New("coordinator: run is finished")

	// ErrUnknownMember is returned by heartbeat for a client not in
	// epoch.clients or pending_clients.
	ErrUnknownMember = errors.New("coordinator: unknown member")

	// ErrNotWitness is returned by submit_witness when the signer is
	// not in the current round's witness set.
	ErrNotWitness = errors.New("coordinator: not a witness for this round")

	// ErrWrongRound is returned by submit_witness for a proof that
	// targets a round other than the current one.
	ErrWrongRound = errors.New("coordinator: wrong round")

	// ErrDuplicateProof is returned by submit_witness when the signer
	// already has an accepted proof for the current round.
	ErrDuplicateProof = errors.New("coordinator: duplicate witness proof")

	// ErrMalformedBloom is returned by submit_witness when a proof's
	// bloom filters do not match the configured dimensions.
	ErrMalformedBloom = errors.New("coordinator: malformed bloom filter")

	// ErrNotCheckpointer is returned by report_checkpoint when the
	// caller is not in the epoch's checkpointer set.
	ErrNotCheckpointer = errors.New("coordinator: not a checkpointer")

	// ErrWrongPhase is returned by report_checkpoint outside Cooldown,
	// by submit_witness outside RoundTrain/RoundWitness, and by
	// SubmitCommitment/SubmitResult when no round is open.
	ErrWrongPhase = errors.New("coordinator: wrong phase for this operation")

	// ErrCommitmentMismatch is returned when a client's submitted result
	// bytes fail to hash to its earlier commitment.
	ErrCommitmentMismatch = errors.New("coordinator: commitment mismatch")

	// ErrConfigMismatch is a fatal client-side error: a peer's config
	// (e.g. bloom parameters) disagrees with the local config.
	ErrConfigMismatch = errors.New("coordinator: config mismatch")

	// ErrModelUnloadable is a fatal client-side error: the model
	// architecture named by ModelSpec could not be loaded.
	ErrModelUnloadable = errors.New("coordinator: model unloadable")
)
