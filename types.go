// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package coordinator implements the training-run Coordinator state
// machine: member admission, epoch/round lifecycle, witness-quorum
// based phase advancement, and checkpoint bookkeeping.
package coordinator

import (
	"encoding/hex"
	"fmt"
)

// ClientId is the stable identity pair of a training participant: the
// key that signs messages to the Coordinator, and the key used for p2p
// gossip. Modeled as two fixed byte arrays, the way github.com/luxfi/ids
// IDs are, so it is comparable and usable as a map key without boxing.
type ClientId struct {
	Signer      [32]byte
	P2PIdentity [32]byte
}

// String renders the client as its signer key, hex-encoded and
// truncated, matching ids.ID's %s behavior in log lines.
func (c ClientId) String() string {
	return hex.EncodeToString(c.Signer[:8])
}

// MapKey returns a value suitable for use as a Go map key. ClientId
// itself is already comparable, but MapKey documents the intent at
// call sites that build client-indexed maps.
func (c ClientId) MapKey() ClientId { return c }

// RunId identifies a training run uniquely under a given program
// authority.
type RunId string

// Validate enforces the UTF-8 <= 64 byte bound from the data model.
func (r RunId) Validate() error {
	if len(r) == 0 || len(r) > 64 {
		return fmt.Errorf("%w: run_id length %d", ErrInvalidRunId, len(r))
	}
	return nil
}

// EpochIndex, RoundIndex and StepIndex are monotonically non-decreasing
// counters scoped to a run, a round, and the run's training steps,
// respectively.
type (
	EpochIndex uint64
	RoundIndex uint64
	StepIndex  uint64
)

// BatchId identifies one unit of training data within a step.
type BatchId struct {
	Step     StepIndex
	SubIndex uint64
}

// Commitment is the 32-byte hash a client produces to bind itself to
// its compressed training output for one batch. Opaque to the
// Coordinator beyond equality comparison.
type Commitment [32]byte

// WitnessProof is a witness's bloom-backed attestation of what it
// observed during the current round. See package witness for the
// bloom construction and acceptance rules.
type WitnessProof struct {
	WitnessClientID ClientId
	RoundIndex       RoundIndex
	ParticipantBloom []byte
	BroadcastBloom   []byte
	Opportunistic    bool
}

// ModelSpec identifies the architecture and training schedule for a
// run: the pieces that must be agreed on by every participant but are
// opaque payloads to the Coordinator itself.
type ModelSpec struct {
	Architecture     string
	CheckpointMarker CheckpointMarker
	DataLocation     DataLocation
}

// CheckpointMarker identifies where an epoch's checkpoint artifact is
// available. Sealed sum type: checkpointMarker() is unexported so no
// package outside this one can add a variant.
type CheckpointMarker interface {
	checkpointMarker()
}

// HubMarker points at a model-hub repository and revision.
type HubMarker struct {
	Repo     string
	Revision string
}

func (HubMarker) checkpointMarker() {}

// GcsMarker points at a GCS bucket and key prefix.
type GcsMarker struct {
	Bucket string
	Prefix string
}

func (GcsMarker) checkpointMarker() {}

// P2PMarker indicates the checkpoint is only available via p2p
// gossip from current epoch members (no durable store).
type P2PMarker struct{}

func (P2PMarker) checkpointMarker() {}

// DummyMarker names no real artifact. The train command uses it when
// no checkpoint has been registered.
type DummyMarker struct{}

func (DummyMarker) checkpointMarker() {}

// DataLocation identifies where training data is read from. Sealed
// sum type, same pattern as CheckpointMarker.
type DataLocation interface {
	dataLocation()
}

// LocalFilesLocation reads data from a local filesystem path.
type LocalFilesLocation struct {
	Path string
}

func (LocalFilesLocation) dataLocation() {}

// GcsDataLocation reads data from a GCS bucket and prefix.
type GcsDataLocation struct {
	Bucket string
	Prefix string
}

func (GcsDataLocation) dataLocation() {}

// HubDataLocation reads data from a model-hub dataset repository.
type HubDataLocation struct {
	Repo     string
	Revision string
}

func (HubDataLocation) dataLocation() {}
