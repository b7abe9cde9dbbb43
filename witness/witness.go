// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package witness builds and verifies the bloom-filter WitnessProofs
// submitted during RoundWitness, and evaluates witness quorum.
package witness

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

// Filter is a fixed-size bloom filter using Kirsch-Mitzenmacher double
// hashing: k indices are derived from two independent xxhash digests
// rather than k separate hash passes.
type Filter struct {
	bits *bitset.BitSet
	m    uint64
	k    uint32
}

// NewFilter returns an empty filter sized per params.
func NewFilter(params config.BloomParams) *Filter {
	return &Filter{
		bits: bitset.New(uint(params.M)),
		m:    params.M,
		k:    params.K,
	}
}

func (f *Filter) indices(key []byte) []uint64 {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(withSuffix(key, 0x5a))
	idx := make([]uint64, f.k)
	for i := uint32(0); i < f.k; i++ {
		idx[i] = (h1 + uint64(i)*h2) % f.m
	}
	return idx
}

func withSuffix(key []byte, suffix byte) []byte {
	buf := make([]byte, len(key)+1)
	copy(buf, key)
	buf[len(key)] = suffix
	return buf
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for _, i := range f.indices(key) {
		f.bits.Set(uint(i))
	}
}

// Contains reports whether key was (possibly falsely-positively) added.
func (f *Filter) Contains(key []byte) bool {
	for _, i := range f.indices(key) {
		if !f.bits.Test(uint(i)) {
			return false
		}
	}
	return true
}

// MarshalBinary serializes the filter for inclusion in a WitnessProof.
func (f *Filter) MarshalBinary() ([]byte, error) {
	return f.bits.MarshalBinary()
}

// filterFromBytes reconstructs a filter from a WitnessProof's bloom
// bytes, verifying it was built with the given params.
func filterFromBytes(data []byte, params config.BloomParams) (*Filter, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", coordinator.ErrMalformedBloom, err)
	}
	if bs.Len() != uint(params.M) {
		return nil, fmt.Errorf("%w: expected %d bits, got %d", coordinator.ErrMalformedBloom, params.M, bs.Len())
	}
	return &Filter{bits: bs, m: params.M, k: params.K}, nil
}

// clientKey returns the bloom key for a participant_bloom entry.
func clientKey(c coordinator.ClientId) []byte {
	return c.Signer[:]
}

// batchKey returns the bloom key for a broadcast_bloom (client,batch)
// entry.
func batchKey(c coordinator.ClientId, b coordinator.BatchId) []byte {
	buf := make([]byte, 32+8+8)
	copy(buf, c.Signer[:])
	binary.BigEndian.PutUint64(buf[32:], uint64(b.Step))
	binary.BigEndian.PutUint64(buf[40:], b.SubIndex)
	return buf
}

// Builder accumulates a local witness's observations for one round and
// produces the WitnessProof submitted to the Coordinator.
type Builder struct {
	witnessID   coordinator.ClientId
	roundIndex  coordinator.RoundIndex
	params      config.BloomParams
	participant *Filter
	broadcast   *Filter
}

// NewBuilder starts a fresh proof for the given witness and round.
func NewBuilder(witnessID coordinator.ClientId, roundIndex coordinator.RoundIndex, params config.BloomParams) *Builder {
	return &Builder{
		witnessID:   witnessID,
		roundIndex:  roundIndex,
		params:      params,
		participant: NewFilter(params),
		broadcast:   NewFilter(params),
	}
}

// ObserveCommitment records that a training commitment was seen from
// clientID this round.
func (b *Builder) ObserveCommitment(clientID coordinator.ClientId) {
	b.participant.Add(clientKey(clientID))
}

// ObserveDownload records that the result bytes for (clientID, batchID)
// were successfully downloaded and verified this round.
func (b *Builder) ObserveDownload(clientID coordinator.ClientId, batchID coordinator.BatchId) {
	b.broadcast.Add(batchKey(clientID, batchID))
}

// Ready reports whether every expected (client, batch) pair has been
// both committed and downloaded, the precondition for an opportunistic
// early submission (spec.md §4.3).
func (b *Builder) Ready(expected []struct {
	Client coordinator.ClientId
	Batch  coordinator.BatchId
}) bool {
	for _, e := range expected {
		if !b.participant.Contains(clientKey(e.Client)) {
			return false
		}
		if !b.broadcast.Contains(batchKey(e.Client, e.Batch)) {
			return false
		}
	}
	return true
}

// Build finalizes the proof. opportunistic should be true only when
// Ready held at submission time.
func (b *Builder) Build(opportunistic bool) (coordinator.WitnessProof, error) {
	pBytes, err := b.participant.MarshalBinary()
	if err != nil {
		return coordinator.WitnessProof{}, err
	}
	bBytes, err := b.broadcast.MarshalBinary()
	if err != nil {
		return coordinator.WitnessProof{}, err
	}
	return coordinator.WitnessProof{
		WitnessClientID:  b.witnessID,
		RoundIndex:       b.roundIndex,
		ParticipantBloom: pBytes,
		BroadcastBloom:   bBytes,
		Opportunistic:    opportunistic,
	}, nil
}

// Validate checks a received proof's blooms are well-formed under
// params. It does not check signer membership in the witness set or
// the proof's round number against the current round: those are the
// Coordinator's job (SubmitWitness).
func Validate(proof coordinator.WitnessProof, params config.BloomParams) error {
	if _, err := filterFromBytes(proof.ParticipantBloom, params); err != nil {
		return err
	}
	if _, err := filterFromBytes(proof.BroadcastBloom, params); err != nil {
		return err
	}
	return nil
}

// ContainsClient reports whether proof's participant_bloom indicates
// clientID participated this round.
func ContainsClient(proof coordinator.WitnessProof, params config.BloomParams, clientID coordinator.ClientId) (bool, error) {
	f, err := filterFromBytes(proof.ParticipantBloom, params)
	if err != nil {
		return false, err
	}
	return f.Contains(clientKey(clientID)), nil
}

// QuorumMet reports whether proofs contains at least
// config.WitnessQuorum(witnessSetSize) proofs whose participant_bloom
// contains every client in expectedClients. proofs is assumed to
// already be deduplicated by signer (the Coordinator rejects a second
// proof from the same signer in a round before it ever reaches here).
func QuorumMet(proofs []coordinator.WitnessProof, params config.BloomParams, expectedClients []coordinator.ClientId, witnessSetSize int) bool {
	quorum := config.WitnessQuorum(witnessSetSize)
	count := 0
	for _, p := range proofs {
		if proofCovers(p, params, expectedClients) {
			count++
		}
	}
	return count >= quorum
}

func proofCovers(p coordinator.WitnessProof, params config.BloomParams, expectedClients []coordinator.ClientId) bool {
	for _, c := range expectedClients {
		present, err := ContainsClient(p, params, c)
		if err != nil || !present {
			return false
		}
	}
	return true
}
