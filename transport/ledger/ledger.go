// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger implements a TransportShim backed by a replicated
// append-only ledger: the Coordinator state lives behind an abstract
// LedgerClient so a real on-chain program can be plugged in later
// (per spec.md §6's "persisted state (ledger variant)"). Only the
// operations contract is implemented here.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/transport"
)

// ErrAccountMissing is returned by a LedgerClient when no record
// exists yet for (programID, runID).
var ErrAccountMissing = errors.New("ledger: account not found")

// LedgerClient is the minimal on-chain program interface the ledger
// shim depends on: read the current account bytes, and submit a new
// version with confirmation. A real implementation might wrap an RPC
// client for a specific chain; this package never assumes one.
type LedgerClient interface {
	GetAccount(ctx context.Context, programID, runID string) ([]byte, error)
	SendAndConfirm(ctx context.Context, programID, runID string, data []byte) error
}

// Shim is the ledger-backed TransportShim. Unlike transport/memory, it
// has no in-process gossip: PublishTick and Submit mutate a local
// Coordinator and persist the result; Subscribe polls the ledger for
// changes, the way a light client without direct Coordinator access
// would observe the run.
type Shim struct {
	mu     sync.Mutex
	co     *coordinator.Coordinator
	client LedgerClient

	programID, runID string
	pollInterval     time.Duration

	phaseName  string
	phaseNonce uint64
	closed     bool
}

// New returns a ledger Shim that persists co's state to client under
// (programID, runID), polling at pollInterval for Subscribe.
func New(co *coordinator.Coordinator, client LedgerClient, programID, runID string, pollInterval time.Duration) *Shim {
	return &Shim{
		co:           co,
		client:       client,
		programID:    programID,
		runID:        runID,
		pollInterval: pollInterval,
	}
}

var _ transport.Shim = (*Shim)(nil)

func (s *Shim) PublishTick(ctx context.Context, now time.Time) (*coordinator.PhaseTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	transition, err := s.co.Tick(now)
	if err != nil {
		return nil, err
	}
	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}
	return transition, nil
}

func (s *Shim) Submit(ctx context.Context, input transport.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}

	var err error
	switch in := input.(type) {
	case transport.AdmitInput:
		err = s.co.Admit(in.ClientID, in.AuthorizerProof)
	case transport.HeartbeatInput:
		err = s.co.Heartbeat(in.ClientID, in.UnhealthyReports)
	case transport.WarmupReadyInput:
		err = s.co.ReportWarmupReady(in.ClientID)
	case transport.CommitmentInput:
		err = s.co.SubmitCommitment(in.ClientID, in.BatchID, in.Commitment, in.Signature)
	case transport.ResultInput:
		err = s.co.SubmitResult(in.ClientID, in.BatchID, in.ResultBytes)
	case transport.WitnessProofInput:
		err = s.co.SubmitWitness(in.Proof)
	case transport.ReportCheckpointInput:
		err = s.co.ReportCheckpoint(in.ClientID, in.Marker)
	case transport.SetPausedInput:
		s.co.SetPaused(in.Paused)
	default:
		return errors.New("ledger: unknown input type")
	}
	if err != nil {
		return err
	}
	return s.persistLocked(ctx)
}

func (s *Shim) persistLocked(ctx context.Context) error {
	snap := s.snapshotLocked()
	return s.client.SendAndConfirm(ctx, s.programID, s.runID, EncodeSnapshot(snap))
}

func (s *Shim) snapshotLocked() transport.StateSnapshot {
	phase := s.co.Phase()
	if phase.Name() != s.phaseName {
		s.phaseName = phase.Name()
		s.phaseNonce++
	}
	marker, _ := s.co.CheckpointMarker()
	return transport.StateSnapshot{
		Config:     s.co.Config(),
		Phase:      phase,
		EpochIndex: s.co.EpochIndex(),
		RoundIndex: s.co.RoundIndex(),
		PhaseNonce: s.phaseNonce,
		CheckpointMarker: marker,
	}
}

// Subscribe polls the ledger for changes and emits a StateSnapshot
// whenever the decoded record advances past the last one observed.
// Because the ledger variant omits Gossip (spec.md §6), this is the
// only way a remote observer without direct Coordinator access learns
// of a new state. Emitted snapshots carry EpochIndex, RoundIndex,
// PhaseNonce, PendingClientsHash and CheckpointMarker; their Config is
// the zero value and their Phase is nil, since the record keeps only a
// config fingerprint and the phase name. The poll loop stops at its
// next tick after Close.
func (s *Shim) Subscribe(ctx context.Context) (<-chan transport.StateSnapshot, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	out := make(chan transport.StateSnapshot, 8)
	go s.pollLoop(ctx, out)
	return out, nil
}

func (s *Shim) pollLoop(ctx context.Context, out chan<- transport.StateSnapshot) {
	defer close(out)
	var last DecodedSnapshot
	haveLast := false

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			data, err := s.client.GetAccount(ctx, s.programID, s.runID)
			if err != nil {
				continue
			}
			decoded, err := DecodeSnapshot(data)
			if err != nil {
				continue
			}
			if haveLast && !isNewer(decoded, last) {
				continue
			}
			last = decoded
			haveLast = true

			snap := transport.StateSnapshot{
				EpochIndex:         decoded.EpochIndex,
				RoundIndex:         decoded.RoundIndex,
				PhaseNonce:         decoded.PhaseNonce,
				PendingClientsHash: decoded.PendingClientsHash,
				CheckpointMarker:   decoded.CheckpointMarker,
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

// isNewer reports whether next is strictly ahead of last in the
// (epoch, round, phase_nonce) ordering spec.md §5 requires.
func isNewer(next, last DecodedSnapshot) bool {
	if next.EpochIndex != last.EpochIndex {
		return next.EpochIndex > last.EpochIndex
	}
	if next.RoundIndex != last.RoundIndex {
		return next.RoundIndex > last.RoundIndex
	}
	return next.PhaseNonce > last.PhaseNonce
}

func (s *Shim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}
