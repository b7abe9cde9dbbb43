// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package aggregator implements DistroAggregator: deterministic
// reduction of per-client CompressedUpdates into a single in-place
// weight update.
package aggregator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

// ErrSchemaMismatch is returned when a CompressedUpdate's chunk/top-k
// dimensions disagree with config.Optimizer.
var ErrSchemaMismatch = errors.New("aggregator: compressed update schema mismatch")

// ErrDuplicateIndex is returned when a CompressedUpdate's Indices
// contain the same weight index more than once: Reduce would then
// double-count that index's contribution for this update.
var ErrDuplicateIndex = errors.New("aggregator: compressed update has a duplicate index")

// CompressedUpdate is the sparse, chunked, optionally 1-bit-quantized
// per-batch update produced by TrainerBackend.Train. It is deliberately
// a flat hand-rolled struct, not a generated protobuf message: only the
// transport envelope that carries it uses protobuf.
type CompressedUpdate struct {
	// Indices are sparse weight indices, one per retained top-k entry
	// per chunk, length Chunks*TopK.
	Indices []uint32
	// Amplitudes holds the corresponding values. When Quantize is set
	// each entry is +1 or -1 and the true magnitude is carried by Scale.
	Amplitudes []float32
	Scale      float32
}

// MarshalBinary serializes the update for PeerBlobCache storage and
// the ledger transport's wire envelope payload.
func (u CompressedUpdate) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(len(u.Indices))); err != nil {
		return nil, err
	}
	for _, idx := range u.Indices {
		if err := writeUint32(&buf, idx); err != nil {
			return nil, err
		}
	}
	if err := writeUint32(&buf, uint32(len(u.Amplitudes))); err != nil {
		return nil, err
	}
	for _, a := range u.Amplitudes {
		if err := writeUint32(&buf, math.Float32bits(a)); err != nil {
			return nil, err
		}
	}
	if err := writeUint32(&buf, math.Float32bits(u.Scale)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := buf.Write(b[:])
	return err
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// UnmarshalBinary reverses MarshalBinary.
func (u *CompressedUpdate) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	u.Indices = make([]uint32, n)
	for i := range u.Indices {
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		u.Indices[i] = v
	}
	n, err = readUint32(r)
	if err != nil {
		return err
	}
	u.Amplitudes = make([]float32, n)
	for i := range u.Amplitudes {
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		u.Amplitudes[i] = math.Float32frombits(v)
	}
	scaleBits, err := readUint32(r)
	if err != nil {
		return err
	}
	u.Scale = math.Float32frombits(scaleBits)
	return nil
}

// Validate checks the update's dimensions against opt and rejects a
// duplicate index, which would otherwise silently double-count in
// Reduce.
func (u CompressedUpdate) Validate(opt config.OptimizerParams) error {
	want := int(opt.Chunks) * int(opt.TopK)
	if len(u.Indices) != want || len(u.Amplitudes) != want {
		return ErrSchemaMismatch
	}
	if u.hasDuplicateIndex() {
		return ErrDuplicateIndex
	}
	return nil
}

// hasDuplicateIndex reports whether Indices repeats a weight index,
// tracked with a bitset since indices are dense small integers.
func (u CompressedUpdate) hasDuplicateIndex() bool {
	var seen bitset.BitSet
	for _, idx := range u.Indices {
		if seen.Test(uint(idx)) {
			return true
		}
		seen.Set(uint(idx))
	}
	return false
}

// Checksum is a fast, non-cryptographic content hash of the update's
// wire encoding. client.RunLoop logs it next to each cached update's
// Fingerprint; unlike the Fingerprint, which binds only (client, batch,
// commitment) identity, it depends on the update's bytes. PeerBlobCache
// does not compute or check it.
func (u CompressedUpdate) Checksum() (uint64, error) {
	raw, err := u.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

// contribution pairs a (client, batch) key with its update, used only
// to establish the deterministic reduction order.
type contribution struct {
	clientID coordinator.ClientId
	batchID  coordinator.BatchId
	update   CompressedUpdate
}

// Reduce sums every contribution's update into a single dense gradient
// over dim weight indices, after sorting contributions by
// (client_id, batch_id) lexicographically so every participant
// computes the identical sum regardless of arrival order.
func Reduce(dim int, byClientBatch map[coordinator.ClientId]map[coordinator.BatchId]CompressedUpdate) []float32 {
	contributions := flatten(byClientBatch)
	sort.Slice(contributions, func(i, j int) bool {
		return less(contributions[i], contributions[j])
	})

	grad := make([]float32, dim)
	for _, c := range contributions {
		for i, idx := range c.update.Indices {
			if int(idx) >= dim {
				continue
			}
			grad[idx] += c.update.Amplitudes[i] * c.update.Scale
		}
	}
	return grad
}

func flatten(byClientBatch map[coordinator.ClientId]map[coordinator.BatchId]CompressedUpdate) []contribution {
	var out []contribution
	for clientID, byBatch := range byClientBatch {
		for batchID, update := range byBatch {
			out = append(out, contribution{clientID: clientID, batchID: batchID, update: update})
		}
	}
	return out
}

func less(a, b contribution) bool {
	if a.clientID.Signer != b.clientID.Signer {
		return bytes.Compare(a.clientID.Signer[:], b.clientID.Signer[:]) < 0
	}
	if a.clientID.P2PIdentity != b.clientID.P2PIdentity {
		return bytes.Compare(a.clientID.P2PIdentity[:], b.clientID.P2PIdentity[:]) < 0
	}
	if a.batchID.Step != b.batchID.Step {
		return a.batchID.Step < b.batchID.Step
	}
	return a.batchID.SubIndex < b.batchID.SubIndex
}

// ClipGradNorm scales grad in-place so its L2 norm does not exceed
// maxNorm. maxNorm <= 0 means "no clipping".
func ClipGradNorm(grad []float32, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	var sumSq float64
	for _, g := range grad {
		sumSq += float64(g) * float64(g)
	}
	norm := math.Sqrt(sumSq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := float32(maxNorm / norm)
	for i := range grad {
		grad[i] *= scale
	}
}

// Apply performs x_{t+1} = x_t - lr*grad in place.
func Apply(weights []float32, grad []float32, lr float64) {
	scaledLR := float32(lr)
	for i := range weights {
		if i >= len(grad) {
			break
		}
		weights[i] -= scaledLR * grad[i]
	}
}

// Step runs one full DistroAggregator reduction: gathers updates,
// clips, and applies them to weights in place, using the learning rate
// scheduled for step.
func Step(weights []float32, opt config.OptimizerParams, step, totalSteps uint64, byClientBatch map[coordinator.ClientId]map[coordinator.BatchId]CompressedUpdate) {
	grad := Reduce(len(weights), byClientBatch)
	ClipGradNorm(grad, opt.ClipGradNorm)
	lr := opt.LRAt(step, totalSteps)
	Apply(weights, grad, lr)
}
