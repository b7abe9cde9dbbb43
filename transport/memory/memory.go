// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memory implements an in-process TransportShim: an in-memory
// pub/sub server that fans Coordinator state snapshots out to
// subscribers over Go channels. The broker/subscription shape is
// reimplemented from oasis-core's common/pubsub.Broker pattern (the
// package itself is internal to oasis-core and not a fetchable
// dependency — see DESIGN.md).
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/transport"
	"github.com/psyche-network/coordinator/witness"
)

// broker fans a single stream of StateSnapshots out to any number of
// subscribers. A newly-subscribed channel is immediately sent the last
// broadcast snapshot, mirroring the "replay the latest" behavior
// oasis-core's roothash memory backend layers on top of its Broker.
type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan transport.StateSnapshot

	hasLatest bool
	latest    transport.StateSnapshot

	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan transport.StateSnapshot)}
}

func (b *broker) subscribe() (<-chan transport.StateSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan transport.StateSnapshot, 8)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.hasLatest {
		ch <- b.latest
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *broker) broadcast(s transport.StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.hasLatest = true
	b.latest = s
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// A slow subscriber drops the snapshot rather than stall
			// every other subscriber; it will still observe a newer
			// snapshot once caught up, since snapshots are monotone.
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Shim is the in-memory TransportShim. It wraps a *coordinator.Coordinator
// directly: PublishTick drives it, Submit mutates it, Subscribe
// observes it. Suitable for single-process integration tests and the
// `train` CLI command run against a local Coordinator.
type Shim struct {
	mu     sync.Mutex
	co     *coordinator.Coordinator
	broker *broker

	phaseName  string
	phaseNonce uint64
	closed     bool
}

// New wraps co in an in-memory TransportShim and publishes its current
// state as the first snapshot.
func New(co *coordinator.Coordinator) *Shim {
	s := &Shim{co: co, broker: newBroker()}
	s.broker.broadcast(s.snapshotLocked())
	return s
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
	s.broker.broadcast(s.snapshotLocked())
	return transition, nil
}

func (s *Shim) Subscribe(ctx context.Context) (<-chan transport.StateSnapshot, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	ch, cancel := s.broker.subscribe()
	out := make(chan transport.StateSnapshot, 8)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
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
		return errors.New("memory: unknown input type")
	}
	if err != nil {
		return err
	}
	s.broker.broadcast(s.snapshotLocked())
	return nil
}

// ExpectedBatches exposes the current round's data assignment directly
// from the wrapped Coordinator, satisfying client.RoundView for
// in-process callers that hold a memory Shim.
func (s *Shim) ExpectedBatches() map[coordinator.BatchId]coordinator.ClientId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.co.ExpectedBatches()
}

// WitnessSet exposes the current round's witness set.
func (s *Shim) WitnessSet() []coordinator.ClientId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.co.WitnessSet()
}

// NewWitnessBuilder starts a fresh WitnessProof builder using the run's
// bloom parameters.
func (s *Shim) NewWitnessBuilder(witnessID coordinator.ClientId) *witness.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.co.NewWitnessBuilder(witnessID)
}

func (s *Shim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.close()
	return nil
}

// snapshotLocked builds the current StateSnapshot. Callers must hold
// s.mu. PhaseNonce increments whenever the phase name changes, giving
// subscribers the monotone ordering spec.md §5 requires even within a
// single (epoch, round).
func (s *Shim) snapshotLocked() transport.StateSnapshot {
	phase := s.co.Phase()
	if phase.Name() != s.phaseName {
		s.phaseName = phase.Name()
		s.phaseNonce++
	}

	marker, _ := s.co.CheckpointMarker()
	return transport.StateSnapshot{
		Config:             s.co.Config(),
		Phase:              phase,
		EpochIndex:         s.co.EpochIndex(),
		RoundIndex:         s.co.RoundIndex(),
		PhaseNonce:         s.phaseNonce,
		PendingClientsHash: pendingClientsHash(s.co.PendingClients()),
		CheckpointMarker:   marker,
	}
}

func pendingClientsHash(clients []coordinator.ClientId) [32]byte {
	sort.Slice(clients, func(i, j int) bool {
		return bytes.Compare(clients[i].Signer[:], clients[j].Signer[:]) < 0
	})
	h := sha256.New()
	for _, c := range clients {
		h.Write(c.Signer[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
