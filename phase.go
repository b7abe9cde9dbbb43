// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import "time"

// Phase is a sealed sum type over the Coordinator's phase machine.
// Each variant carries exactly the state that phase needs; there is no
// shared mutable "current phase" field plus a grab-bag of optional
// timestamps. phase() is unexported so no package outside this one can
// add a variant.
type Phase interface {
	phase()
	// Name returns the phase's spec.md name, used in logs and metrics.
	Name() string
}

// WaitingForMembersPhase is the initial phase and the phase entered
// after Cooldown or after Unpause.
type WaitingForMembersPhase struct{}

func (WaitingForMembersPhase) phase()        {}
func (WaitingForMembersPhase) Name() string  { return "WaitingForMembers" }

// WarmupPhase is entered once enough members are present; it ends
// either when every member reports ready or the warmup timeout elapses.
type WarmupPhase struct {
	StartedAt time.Time
}

func (WarmupPhase) phase()       {}
func (WarmupPhase) Name() string { return "Warmup" }

// RoundTrainPhase covers one round of commitment submission.
type RoundTrainPhase struct {
	StartedAt time.Time
}

func (RoundTrainPhase) phase()       {}
func (RoundTrainPhase) Name() string { return "RoundTrain" }

// RoundWitnessPhase covers witness proof collection for the round that
// just finished training.
type RoundWitnessPhase struct {
	StartedAt time.Time
}

func (RoundWitnessPhase) phase()       {}
func (RoundWitnessPhase) Name() string { return "RoundWitness" }

// CooldownPhase is entered at the end of an epoch (or when an epoch
// aborts for lack of healthy members or of witness quorum) and ends
// when a checkpoint is reported or the cooldown timeout elapses.
type CooldownPhase struct {
	StartedAt time.Time
	// Aborted is true when Cooldown was entered because the round had
	// fewer healthy members than min_clients or missed witness quorum,
	// rather than because the epoch completed its rounds.
	Aborted bool
}

func (CooldownPhase) phase()       {}
func (CooldownPhase) Name() string { return "Cooldown" }

// PausedPhase suspends all phase advancement. Unpausing always returns
// to WaitingForMembers (spec.md §4.1 edge 7): the in-flight epoch, if
// any, is abandoned rather than resumed.
type PausedPhase struct{}

func (PausedPhase) phase()       {}
func (PausedPhase) Name() string { return "Paused" }

// FinishedPhase is terminal: step has reached config.total_steps.
type FinishedPhase struct{}

func (FinishedPhase) phase()       {}
func (FinishedPhase) Name() string { return "Finished" }
