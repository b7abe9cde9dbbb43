// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package data implements the DataReader contract (spec.md §6): fixed-
// length token batches, optionally deterministically shuffled, read
// from local files.
package data

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/assignment"
)

// ErrDataUnavailable is returned for any batch that cannot be read in
// full: missing file, short read, or any other I/O failure.
var ErrDataUnavailable = errors.New("data: batch unavailable")

// TokenSize is the on-disk width of one token: 2 or 4 bytes,
// little-endian unsigned.
type TokenSize int

const (
	TokenSize2 TokenSize = 2
	TokenSize4 TokenSize = 4
)

// Shuffle is the sealed choice of token ordering within a batch.
type Shuffle interface {
	shuffle()
}

// FileOrder returns tokens exactly as stored on disk.
type FileOrder struct{}

func (FileOrder) shuffle() {}

// Seeded deterministically permutes tokens by (Seed, step, batch_id).
type Seeded struct {
	Seed [32]byte
}

func (Seeded) shuffle() {}

// Reader is the DataReader contract: read(step, batch_id) -> bytes.
type Reader interface {
	Read(ctx context.Context, step coordinator.StepIndex, batch coordinator.BatchId) ([]byte, error)
}

// LocalFilesReader reads one fixed-length file per batch from a local
// directory, named by (step, sub_index).
type LocalFilesReader struct {
	dir       string
	maxSeqLen int
	tokenSize TokenSize
	shuffle   Shuffle
}

// NewLocalFilesReader returns a Reader rooted at dir. Every batch file
// must contain exactly maxSeqLen*tokenSize bytes.
func NewLocalFilesReader(dir string, maxSeqLen int, tokenSize TokenSize, shuffle Shuffle) *LocalFilesReader {
	if shuffle == nil {
		shuffle = FileOrder{}
	}
	return &LocalFilesReader{dir: dir, maxSeqLen: maxSeqLen, tokenSize: tokenSize, shuffle: shuffle}
}

func (r *LocalFilesReader) batchPath(batch coordinator.BatchId) string {
	return filepath.Join(r.dir, fmt.Sprintf("step-%d-batch-%d.bin", batch.Step, batch.SubIndex))
}

// Read implements Reader.
func (r *LocalFilesReader) Read(ctx context.Context, step coordinator.StepIndex, batch coordinator.BatchId) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path := r.batchPath(batch)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDataUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, path, err)
	}

	want := r.maxSeqLen * int(r.tokenSize)
	if len(raw) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrDataUnavailable, path, len(raw), want)
	}

	seeded, ok := r.shuffle.(Seeded)
	if !ok {
		return raw, nil
	}
	return shuffleTokens(raw, int(r.tokenSize), shuffleSeed(seeded.Seed, step, batch)), nil
}

// shuffleSeed derives the per-(seed, step, batch_id) permutation seed.
// This is a distinct domain from assignment.Seed's (random_seed,
// round, purpose): DataReader's shuffle seed is supplied directly by
// the caller and scoped by step/batch rather than by round/purpose.
func shuffleSeed(seed [32]byte, step coordinator.StepIndex, batch coordinator.BatchId) [32]byte {
	h := sha256.New()
	h.Write(seed[:])
	var stepBuf, subBuf [8]byte
	binary.BigEndian.PutUint64(stepBuf[:], uint64(step))
	binary.BigEndian.PutUint64(subBuf[:], batch.SubIndex)
	h.Write(stepBuf[:])
	h.Write(subBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func shuffleTokens(raw []byte, tokenSize int, seed [32]byte) []byte {
	n := len(raw) / tokenSize
	perm := assignment.TokenPermutation(seed, n)
	out := make([]byte, len(raw))
	for dst, src := range perm {
		copy(out[dst*tokenSize:(dst+1)*tokenSize], raw[src*tokenSize:(src+1)*tokenSize])
	}
	return out
}
