// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the Coordinator's run configuration: the
// timing, membership, witness, and batch-schedule knobs that must be
// identical across every participant of a run.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Error variables for parameter validation.
var (
	ErrInvalidMinClients     = errors.New("config: min_clients must be >= 1")
	ErrInvalidInitMinClients = errors.New("config: init_min_clients must be >= min_clients")
	ErrInvalidWitnessNodes   = errors.New("config: witness_nodes must be >= 0")
	ErrInvalidRoundsPerEpoch = errors.New("config: rounds_per_epoch must be >= 1")
	ErrInvalidTotalSteps     = errors.New("config: total_steps must be >= 1")
	ErrInvalidBatchSchedule  = errors.New("config: global_batch_size_end must be >= global_batch_size_start")
	ErrInvalidBloomParams    = errors.New("config: bloom m and k must be > 0")
	ErrInvalidTimings        = errors.New("config: all phase timeouts must be > 0")
	ErrInvalidOptimizer      = errors.New("config: optimizer chunks and top_k must be > 0")
	ErrInvalidDownloadLimit  = errors.New("config: max_concurrent_downloads must be >= 1")
)

// BloomParams fixes the bloom filter dimensions used by every
// WitnessProof submitted in a run. They are part of ConfigMismatch
// checks at warmup and are never auto-tuned.
type BloomParams struct {
	// M is the number of bits in each bloom filter.
	M uint64
	// K is the number of hash functions used per element.
	K uint32
}

// Validate checks the bloom parameters are usable.
func (b BloomParams) Validate() error {
	if b.M == 0 || b.K == 0 {
		return ErrInvalidBloomParams
	}
	return nil
}

// DefaultBloomParams targets a false-positive rate below 1e-6 for up
// to 4096 elements, per spec.md §4.3.
func DefaultBloomParams() BloomParams {
	return BloomParams{M: 1 << 20, K: 14}
}

// OptimizerParams describes the CompressedUpdate schema every peer
// must agree on: compression chunking, top-k sparsity, and whether the
// amplitudes are 1-bit quantized.
type OptimizerParams struct {
	Chunks        uint32
	TopK          uint32
	Quantize      bool
	ClipGradNorm  float64 // 0 means "no clipping"
	LearningRate  float64
	WarmupSteps   uint64
	DecayToFactor float64
}

// Validate checks the optimizer schema is usable.
func (o OptimizerParams) Validate() error {
	if o.Chunks == 0 || o.TopK == 0 {
		return ErrInvalidOptimizer
	}
	return nil
}

// LRAt returns the learning rate scheduled for the given training
// step: a linear warmup from 0 to LearningRate over WarmupSteps,
// followed by a linear decay toward LearningRate*DecayToFactor across
// the remainder of the run. totalSteps must be >= WarmupSteps.
func (o OptimizerParams) LRAt(step, totalSteps uint64) float64 {
	if o.WarmupSteps > 0 && step < o.WarmupSteps {
		return o.LearningRate * float64(step) / float64(o.WarmupSteps)
	}
	if totalSteps <= o.WarmupSteps {
		return o.LearningRate
	}
	progress := float64(step-o.WarmupSteps) / float64(totalSteps-o.WarmupSteps)
	if progress > 1 {
		progress = 1
	}
	floor := o.LearningRate * o.DecayToFactor
	return o.LearningRate - progress*(o.LearningRate-floor)
}

// Config is the Coordinator configuration. It is immutable within an
// epoch: every field here must read identically on every participant,
// or the run diverges.
type Config struct {
	// Membership.
	MinClients     int
	InitMinClients int

	// Witnessing.
	WitnessNodes        int // 0 means every client in the epoch is a witness
	VerificationPercent float64
	Bloom               BloomParams

	// Phase timeouts.
	WarmupTime        time.Duration
	MaxRoundTrainTime time.Duration
	RoundWitnessTime  time.Duration
	CooldownTime      time.Duration

	// Batch schedule: global_batch_size(step) ramps linearly from
	// GlobalBatchSizeStart to GlobalBatchSizeEnd over
	// GlobalBatchSizeWarmupTokens tokens.
	GlobalBatchSizeStart        uint64
	GlobalBatchSizeEnd          uint64
	GlobalBatchSizeWarmupTokens uint64
	TokensPerBatch              uint64 // tokens consumed by one unit of global batch size

	TotalSteps     uint64
	RoundsPerEpoch uint64

	Optimizer OptimizerParams

	MaxConcurrentDownloads int

	// SlashingRatePerClient is the number of slash units applied per
	// MalformedBloom or CommitmentMismatch occurrence.
	SlashingRatePerClient uint64
}

// Validate checks internal consistency. It does not validate anything
// that depends on runtime state (e.g. actual client count).
func (c Config) Validate() error {
	if c.MinClients < 1 {
		return ErrInvalidMinClients
	}
	if c.InitMinClients < c.MinClients {
		return ErrInvalidInitMinClients
	}
	if c.WitnessNodes < 0 {
		return ErrInvalidWitnessNodes
	}
	if c.RoundsPerEpoch < 1 {
		return ErrInvalidRoundsPerEpoch
	}
	if c.TotalSteps < 1 {
		return ErrInvalidTotalSteps
	}
	if c.GlobalBatchSizeEnd < c.GlobalBatchSizeStart {
		return ErrInvalidBatchSchedule
	}
	if err := c.Bloom.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if c.WarmupTime <= 0 || c.MaxRoundTrainTime <= 0 || c.RoundWitnessTime <= 0 || c.CooldownTime <= 0 {
		return ErrInvalidTimings
	}
	if c.MaxConcurrentDownloads < 1 {
		return ErrInvalidDownloadLimit
	}
	return nil
}

// GlobalBatchSize returns the deterministic global batch size for the
// given training step: a linear warmup from GlobalBatchSizeStart to
// GlobalBatchSizeEnd over GlobalBatchSizeWarmupTokens tokens. When
// GlobalBatchSizeWarmupTokens is 0, the batch size is
// GlobalBatchSizeEnd from step 0 (spec.md §8 boundary behavior).
func (c Config) GlobalBatchSize(step uint64) uint64 {
	if c.GlobalBatchSizeWarmupTokens == 0 || c.TokensPerBatch == 0 {
		return c.GlobalBatchSizeEnd
	}
	tokensSoFar := step * c.TokensPerBatch
	if tokensSoFar >= c.GlobalBatchSizeWarmupTokens {
		return c.GlobalBatchSizeEnd
	}
	span := c.GlobalBatchSizeEnd - c.GlobalBatchSizeStart
	delta := span * tokensSoFar / c.GlobalBatchSizeWarmupTokens
	return c.GlobalBatchSizeStart + delta
}

// WitnessQuorum returns the minimum number of distinct witness proofs
// required to advance RoundTrain -> RoundWitness early: ceil(witness
// set size * 2/3), at least 1 (spec.md §4.3).
func WitnessQuorum(witnessSetSize int) int {
	if witnessSetSize <= 0 {
		return 1
	}
	q := (witnessSetSize*2 + 2) / 3
	if q < 1 {
		return 1
	}
	return q
}

// CheckpointerCount returns ceil(|clients| / 3), per AssignmentRNG's
// checkpointer_set rule in spec.md §4.2.
func CheckpointerCount(numClients int) int {
	if numClients <= 0 {
		return 0
	}
	return (numClients + 2) / 3
}

// Mainnet returns production-scale defaults.
func Mainnet() Config {
	return Config{
		MinClients:                  8,
		InitMinClients:              8,
		WitnessNodes:                16,
		VerificationPercent:         0.1,
		Bloom:                       DefaultBloomParams(),
		WarmupTime:                  5 * time.Minute,
		MaxRoundTrainTime:           10 * time.Minute,
		RoundWitnessTime:            2 * time.Minute,
		CooldownTime:                3 * time.Minute,
		GlobalBatchSizeStart:        256,
		GlobalBatchSizeEnd:          2048,
		GlobalBatchSizeWarmupTokens: 50_000_000_000,
		TokensPerBatch:              2048,
		TotalSteps:                  100_000,
		RoundsPerEpoch:              20,
		Optimizer: OptimizerParams{
			Chunks:        64,
			TopK:          8,
			Quantize:      true,
			ClipGradNorm:  1.0,
			LearningRate:  4e-4,
			WarmupSteps:   1000,
			DecayToFactor: 0.1,
		},
		MaxConcurrentDownloads: 16,
		SlashingRatePerClient:  1,
	}
}

// Testnet returns a smaller run useful for integration tests.
func Testnet() Config {
	c := Mainnet()
	c.MinClients = 2
	c.InitMinClients = 2
	c.WitnessNodes = 1
	c.RoundsPerEpoch = 4
	c.TotalSteps = 1000
	c.GlobalBatchSizeStart = 4
	c.GlobalBatchSizeEnd = 4
	c.GlobalBatchSizeWarmupTokens = 0
	return c
}

// Local returns a tiny run useful for unit tests and local smoke
// testing: at least two clients, one round per epoch, four-batch rounds.
func Local() Config {
	c := Testnet()
	c.WarmupTime = 2 * time.Second
	c.MaxRoundTrainTime = 2 * time.Second
	c.RoundWitnessTime = 2 * time.Second
	c.CooldownTime = 2 * time.Second
	c.RoundsPerEpoch = 1
	c.TotalSteps = 2
	return c
}

// String renders a compact summary, used in log lines and the `info`
// CLI command.
func (c Config) String() string {
	return fmt.Sprintf("Config{min=%d init_min=%d witnesses=%d rounds_per_epoch=%d total_steps=%d}",
		c.MinClients, c.InitMinClients, c.WitnessNodes, c.RoundsPerEpoch, c.TotalSteps)
}
