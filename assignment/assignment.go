// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package assignment implements AssignmentRNG: the deterministic,
// cryptographically-seeded selection of witness sets, data assignments,
// and checkpointer sets for a round. Every participant computing the
// same (epoch.random_seed, round.index, purpose) must derive the
// identical result.
package assignment

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"golang.org/x/crypto/chacha20"

	"github.com/psyche-network/coordinator"
)

// Purpose strings, fixed per spec.md §4.2.
const (
	PurposeWitness       = "witness"
	PurposeData          = "data"
	PurposeCheckpointers = "checkpointers"
)

// Seed derives the per-purpose stream-cipher key: H(random_seed ||
// round_index || purpose).
func Seed(randomSeed [32]byte, round coordinator.RoundIndex, purpose string) [32]byte {
	h := sha256.New()
	h.Write(randomSeed[:])
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], uint64(round))
	h.Write(roundBuf[:])
	h.Write([]byte(purpose))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// stream wraps a ChaCha20 keystream as a source of uniform random
// uint64s and Fisher-Yates permutations, so the same seed always
// yields the same sequence on every participant.
type stream struct {
	cipher *chacha20.Cipher
}

func newStream(seed [32]byte) *stream {
	// ChaCha20 requires a 12-byte nonce; the seed already binds
	// (random_seed, round, purpose), so a zero nonce is safe to reuse
	// per seed without ever reusing a (key, nonce) pair.
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Seed is always 32 bytes and nonce always 12; this cannot fail.
		panic(err)
	}
	return &stream{cipher: c}
}

func (s *stream) uint64() uint64 {
	var buf [8]byte
	s.cipher.XORKeyStream(buf[:], buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// intn returns a uniform random int in [0, n), avoiding modulo bias
// via rejection sampling.
func (s *stream) intn(n int) int {
	if n <= 1 {
		return 0
	}
	limit := (math.MaxUint64 / uint64(n)) * uint64(n)
	for {
		v := s.uint64()
		if v < limit {
			return int(v % uint64(n))
		}
	}
}

// permutation returns a uniform random permutation of [0, n) via
// Fisher-Yates, consuming the stream in a fixed, reproducible order.
func (s *stream) permutation(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := s.intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// TokenPermutation derives a Fisher-Yates permutation of [0, n) from
// an arbitrary caller-supplied seed. DataReader's deterministic token
// shuffle (spec.md §6) uses the same ChaCha20-backed primitive as
// witness/data/checkpointer assignment, but over its own seed domain.
func TokenPermutation(seed [32]byte, n int) []int {
	return newStream(seed).permutation(n)
}

// WitnessSet samples nWitnesses distinct clients from clients, sorted
// by the permutation order (not by client identity, which would leak
// structure). If nWitnesses <= 0 or nWitnesses >= len(clients), every
// client is a witness.
func WitnessSet(randomSeed [32]byte, round coordinator.RoundIndex, clients []coordinator.ClientId, nWitnesses int) []coordinator.ClientId {
	if nWitnesses <= 0 || nWitnesses >= len(clients) {
		out := make([]coordinator.ClientId, len(clients))
		copy(out, clients)
		return out
	}
	s := newStream(Seed(randomSeed, round, PurposeWitness))
	perm := s.permutation(len(clients))
	out := make([]coordinator.ClientId, nWitnesses)
	for i := 0; i < nWitnesses; i++ {
		out[i] = clients[perm[i]]
	}
	return out
}

// CheckpointerSet samples config.CheckpointerCount(len(clients))
// distinct clients to act as checkpoint reporters for the epoch.
func CheckpointerSet(randomSeed [32]byte, round coordinator.RoundIndex, clients []coordinator.ClientId, count int) []coordinator.ClientId {
	if count <= 0 || count >= len(clients) {
		out := make([]coordinator.ClientId, len(clients))
		copy(out, clients)
		return out
	}
	s := newStream(Seed(randomSeed, round, PurposeCheckpointers))
	perm := s.permutation(len(clients))
	out := make([]coordinator.ClientId, count)
	for i := 0; i < count; i++ {
		out[i] = clients[perm[i]]
	}
	return out
}

// DataAssignment assigns every batch sub-index in [0, batchSize) to a
// client: batch i goes to clients[perm[i] % len(clients)], for a
// permutation perm of size batchSize drawn from the stream. A client
// may own multiple batches when batchSize > len(clients).
func DataAssignment(randomSeed [32]byte, round coordinator.RoundIndex, step coordinator.StepIndex, clients []coordinator.ClientId, batchSize uint64) map[coordinator.BatchId]coordinator.ClientId {
	out := make(map[coordinator.BatchId]coordinator.ClientId, batchSize)
	if len(clients) == 0 || batchSize == 0 {
		return out
	}
	s := newStream(Seed(randomSeed, round, PurposeData))
	perm := s.permutation(int(batchSize))
	for i := uint64(0); i < batchSize; i++ {
		batch := coordinator.BatchId{Step: step, SubIndex: i}
		out[batch] = clients[perm[i]%len(clients)]
	}
	return out
}
