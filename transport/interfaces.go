// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport defines TransportShim: the Coordinator's state
// publication/subscription contract, and the peer-to-peer message
// kinds ClientRunLoop exchanges over it. Two concrete shims exist:
// transport/memory (in-process pub/sub) and transport/ledger (a
// replicated-log shim over an abstract on-chain program).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

// ErrClosed is returned by Subscribe and Submit once the shim has been
// closed.
var ErrClosed = errors.New("transport: shim closed")

// StateSnapshot is the full Coordinator state a subscriber needs to
// drive ClientRunLoop, per spec.md §6's subscribe() contract.
// Snapshots are strictly monotone in (EpochIndex, RoundIndex,
// PhaseNonce); a subscriber must ignore any snapshot older than the
// last one observed.
type StateSnapshot struct {
	Config             config.Config
	Phase              coordinator.Phase
	EpochIndex         coordinator.EpochIndex
	RoundIndex         coordinator.RoundIndex
	PhaseNonce         uint64
	PendingClientsHash [32]byte
	CheckpointMarker   coordinator.CheckpointMarker
}

// Precedes reports whether s is strictly older than other, by the
// (epoch, round, phase_nonce) ordering spec.md §5 requires subscribers
// to enforce.
func (s StateSnapshot) Precedes(other StateSnapshot) bool {
	if s.EpochIndex != other.EpochIndex {
		return s.EpochIndex < other.EpochIndex
	}
	if s.RoundIndex != other.RoundIndex {
		return s.RoundIndex < other.RoundIndex
	}
	return s.PhaseNonce < other.PhaseNonce
}

// Input is the sealed set of writes a client may Submit to the
// Coordinator transport: Admit, Heartbeat, WarmupReady, Commitment,
// Result, WitnessProof, ReportCheckpoint, SetPaused.
type Input interface {
	input()
}

// AdmitInput requests membership for ClientID.
type AdmitInput struct {
	ClientID        coordinator.ClientId
	AuthorizerProof []byte
}

func (AdmitInput) input() {}

// HeartbeatInput reports liveness and any observed unhealthy peers.
type HeartbeatInput struct {
	ClientID         coordinator.ClientId
	UnhealthyReports []coordinator.ClientId
}

func (HeartbeatInput) input() {}

// WarmupReadyInput reports that ClientID has finished loading the
// epoch's model and is ready to train.
type WarmupReadyInput struct {
	ClientID coordinator.ClientId
}

func (WarmupReadyInput) input() {}

// CommitmentInput submits a signed per-batch training commitment
// during RoundTrain.
type CommitmentInput struct {
	ClientID   coordinator.ClientId
	BatchID    coordinator.BatchId
	Commitment coordinator.Commitment
	Signature  []byte
}

func (CommitmentInput) input() {}

// ResultInput submits the result bytes backing a prior commitment.
type ResultInput struct {
	ClientID    coordinator.ClientId
	BatchID     coordinator.BatchId
	ResultBytes []byte
}

func (ResultInput) input() {}

// WitnessProofInput submits a bloom witness proof for the current
// round.
type WitnessProofInput struct {
	Proof coordinator.WitnessProof
}

func (WitnessProofInput) input() {}

// ReportCheckpointInput reports a completed checkpoint upload.
type ReportCheckpointInput struct {
	ClientID coordinator.ClientId
	Marker   coordinator.CheckpointMarker
}

func (ReportCheckpointInput) input() {}

// SetPausedInput toggles the run's pause flag.
type SetPausedInput struct {
	Paused bool
}

func (SetPausedInput) input() {}

// Shim is the Coordinator transport contract every TransportShim
// implementation provides: publish_tick, subscribe, submit.
type Shim interface {
	// PublishTick drives the Coordinator's clock forward by calling
	// tick(now) and returns the resulting transition, if any. Only an
	// authorized ticker may call this.
	PublishTick(ctx context.Context, now time.Time) (*coordinator.PhaseTransition, error)

	// Subscribe returns a channel of StateSnapshots. The channel is
	// closed once ctx is cancelled or the shim itself is closed.
	Subscribe(ctx context.Context) (<-chan StateSnapshot, error)

	// Submit applies input to the Coordinator.
	Submit(ctx context.Context, input Input) error

	// Close releases the shim's resources and terminates every open
	// subscription.
	Close() error
}

// MessageKind identifies a peer-to-peer wire message, per spec.md
// §6's "P2P transport contract".
type MessageKind uint8

const (
	KindCommitment MessageKind = iota
	KindRequestBlob
	KindBlobBytes
	KindGossip
)

// CommitmentMessage is broadcast to all epoch members when a client
// finishes training a batch.
type CommitmentMessage struct {
	ClientID   coordinator.ClientId
	BatchID    coordinator.BatchId
	Commitment coordinator.Commitment
	Signature  []byte
}

// RequestBlobMessage asks the peer that owns Fingerprint to serve its
// compressed update bytes.
type RequestBlobMessage struct {
	Fingerprint [32]byte
}

// BlobBytesMessage is a (possibly chunked) response to
// RequestBlobMessage. Chunks for a given fingerprint must arrive in
// order; a transport that cannot guarantee ordering must surface a
// final error instead of delivering out-of-order chunks.
type BlobBytesMessage struct {
	Fingerprint [32]byte
	ChunkIndex  uint32
	ChunkCount  uint32
	Payload     []byte
}

// GossipMessage carries an unauthenticated StateSnapshot between peers
// of the in-memory transport. The ledger transport never emits this
// kind; its StateSnapshot is read directly from the persisted record.
type GossipMessage struct {
	Snapshot StateSnapshot
}

// PeerTransport is the p2p side of the contract: broadcasting
// commitments and serving/requesting blob chunks. It is distinct from
// Shim, which carries Coordinator state rather than training data.
type PeerTransport interface {
	BroadcastCommitment(ctx context.Context, msg CommitmentMessage) error
	RequestBlob(ctx context.Context, peer coordinator.ClientId, msg RequestBlobMessage) (<-chan BlobBytesMessage, error)
	ServeBlob(fingerprint [32]byte, payload []byte, chunkSize int) error
}
